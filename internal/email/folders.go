package email

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// ListFolders returns all mailboxes for the account with their message
// and unseen counts. Results are sorted alphabetically by name.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	mailboxes, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	folders := make([]Folder, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		folder := Folder{Name: mbox.Mailbox}
		if mbox.Delim != 0 {
			folder.Delimiter = string(mbox.Delim)
		}

		selectable := true
		for _, attr := range mbox.Attrs {
			folder.Attributes = append(folder.Attributes, string(attr))
			if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
				selectable = false
			}
		}

		if selectable {
			statusData, err := c.client.Status(mbox.Mailbox, &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}).Wait()
			if err != nil {
				c.logger.Debug("status failed for mailbox", "mailbox", mbox.Mailbox, "error", err)
			} else {
				if statusData.NumMessages != nil {
					folder.Messages = *statusData.NumMessages
				}
				if statusData.NumUnseen != nil {
					folder.Unseen = *statusData.NumUnseen
				}
			}
		}

		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Name < folders[j].Name
	})

	return folders, nil
}

// FolderTree returns the account's mailboxes nested by their hierarchy
// delimiter.
func (c *Client) FolderTree(ctx context.Context) ([]*FolderNode, error) {
	folders, err := c.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	return BuildFolderTree(folders), nil
}

// BuildFolderTree nests folders by their hierarchy delimiter. Parents
// that the server did not list are synthesized with zero counts.
// Siblings are sorted by label.
func BuildFolderTree(folders []Folder) []*FolderNode {
	var roots []*FolderNode
	byName := make(map[string]*FolderNode, len(folders))

	var place func(name, delim string) *FolderNode
	place = func(name, delim string) *FolderNode {
		if n, ok := byName[name]; ok {
			return n
		}
		n := &FolderNode{Folder: Folder{Name: name, Delimiter: delim}, Label: name}
		byName[name] = n

		if delim != "" {
			if i := strings.LastIndex(name, delim); i > 0 {
				n.Label = name[i+len(delim):]
				parent := place(name[:i], delim)
				parent.Children = append(parent.Children, n)
				return n
			}
		}
		roots = append(roots, n)
		return n
	}

	for _, f := range folders {
		place(f.Name, f.Delimiter).Folder = f
	}

	sortFolderNodes(roots)
	return roots
}

func sortFolderNodes(nodes []*FolderNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Label < nodes[j].Label
	})
	for _, n := range nodes {
		sortFolderNodes(n.Children)
	}
}
