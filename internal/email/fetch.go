package email

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxRawSectionSize is the maximum body section size buffered from an
// IMAP literal. Larger sections are truncated and the remainder of the
// literal is drained to keep the IMAP stream in sync.
const maxRawSectionSize = 25 * 1024 * 1024

// rawMessage is what the fetch loop collects from the wire for one
// message, before reconstruction.
type rawMessage struct {
	attrs     Attributes
	header    string
	text      string
	structure imap.BodyStructure
}

// FetchFolder fetches every message in opts.Folder matching
// opts.Criteria and rebuilds each body. The folder is opened read-only
// and body sections are peeked, so no flags change. Results are in
// search order (ascending UID). An empty folder yields an empty,
// non-nil slice.
func (c *Client) FetchFolder(ctx context.Context, opts FetchOptions) ([]FetchedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.examineFolder(folder); err != nil {
		return nil, err
	}

	uids, err := c.searchUIDs(folder, searchCriteria(opts.Criteria))
	if err != nil {
		return nil, err
	}
	uids = newest(uids, opts.Limit)
	if len(uids) == 0 {
		return []FetchedMessage{}, nil
	}

	c.logger.Debug("fetching folder", "folder", folder, "messages", len(uids))
	return c.fetchMessages(ctx, folder, uids, true)
}

// ReadMessage fetches and rebuilds a single message by UID. Unlike
// FetchFolder the folder is opened read-write and the body is not
// peeked, so the server marks the message \Seen.
func (c *Client) ReadMessage(ctx context.Context, folder string, uid uint32) (*FetchedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	msgs, err := c.fetchMessages(ctx, folder, []imap.UID{imap.UID(uid)}, false)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: UID %d in %s: %w", ErrFetch, uid, folder, ErrNotFound)
	}
	return &msgs[0], nil
}

// messageFetchOptions requests everything reconstruction needs.
func messageFetchOptions(peek bool) *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:           true,
		Flags:         true,
		InternalDate:  true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
		BodySection: []*imap.FetchItemBodySection{
			{
				Specifier:    imap.PartSpecifierHeader,
				HeaderFields: headerFields,
				Peek:         true,
			},
			{
				Specifier: imap.PartSpecifierText,
				Peek:      peek,
			},
		},
	}
}

// fetchMessages fetches uids and reconstructs them on a bounded pool
// of workers. Each UID owns one slot of a pre-sized result slice and
// exactly one worker writes it, so results keep search order without
// further locking. Caller must hold c.mu and have a folder open.
func (c *Client) fetchMessages(ctx context.Context, folder string, uids []imap.UID, peek bool) ([]FetchedMessage, error) {
	slots := make([]FetchedMessage, len(uids))
	filled := make([]bool, len(uids))
	index := make(map[imap.UID]int, len(uids))
	uidSet := imap.UIDSet{}
	for i, uid := range uids {
		index[uid] = i
		uidSet.AddNum(uid)
	}

	var (
		wg        sync.WaitGroup
		completed atomic.Int64
		sem       = make(chan struct{}, c.workers)
	)

	fetchCmd := c.client.Fetch(uidSet, messageFetchOptions(peek))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		// Literals must be consumed before the next message is read,
		// so the wire read stays on this goroutine.
		raw := c.readMessageData(msg)

		slot, ok := index[imap.UID(raw.attrs.UID)]
		if !ok || filled[slot] {
			c.logger.Debug("ignoring unrequested fetch response",
				"folder", folder, "uid", raw.attrs.UID, "seqno", raw.attrs.SeqNum)
			continue
		}
		filled[slot] = true

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			slots[slot] = c.assemble(raw)
			completed.Add(1)
		}()
	}

	closeErr := fetchCmd.Close()
	wg.Wait()

	if closeErr != nil {
		if IsTimeout(closeErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w %s: %w: %w", ErrFetch, folder, ErrTimeout, closeErr)
		}
		return nil, fmt.Errorf("%w %s: %w", ErrFetch, folder, closeErr)
	}

	done := int(completed.Load())
	if done != len(uids) {
		c.logger.Warn("server returned fewer messages than searched",
			"folder", folder, "expected", len(uids), "completed", done)
	}

	out := make([]FetchedMessage, 0, done)
	for i := range slots {
		if filled[i] {
			out = append(out, slots[i])
		}
	}
	return out, nil
}

// readMessageData drains one message's fetch items into a rawMessage.
func (c *Client) readMessageData(msg *imapclient.FetchMessageData) rawMessage {
	raw := rawMessage{attrs: Attributes{SeqNum: msg.SeqNum, Flags: []string{}}}

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			raw.attrs.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			raw.attrs.Flags = flagStrings(data.Flags)
		case imapclient.FetchItemDataInternalDate:
			raw.attrs.InternalDate = data.Time
		case imapclient.FetchItemDataRFC822Size:
			raw.attrs.Size = data.Size
		case imapclient.FetchItemDataBodyStructure:
			raw.structure = data.BodyStructure
		case imapclient.FetchItemDataBodySection:
			text := c.readLiteral(data.Literal, msg.SeqNum)
			if data.Section != nil && data.Section.Specifier == imap.PartSpecifierHeader {
				raw.header = text
			} else {
				raw.text = text
			}
		}
	}
	return raw
}

// readLiteral buffers up to maxRawSectionSize of a literal and drains
// the rest.
func (c *Client) readLiteral(r imap.LiteralReader, seqNum uint32) string {
	if r == nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(r, maxRawSectionSize))
	if n, _ := io.Copy(io.Discard, r); n > 0 {
		c.logger.Debug("body section truncated", "seqno", seqNum, "dropped", n)
	}
	if err != nil {
		c.logger.Debug("error reading body literal", "seqno", seqNum, "error", err)
	}
	return string(b)
}

// assemble parses the header fields and rebuilds the body of one
// fetched message.
func (c *Client) assemble(raw rawMessage) FetchedMessage {
	header, err := parseHeaderFields(raw.header)
	if err != nil {
		c.logger.Debug("header parse error", "uid", raw.attrs.UID, "error", err)
	}

	root := convertStructure(raw.structure)
	attrs := raw.attrs
	attrs.Structure = root

	return FetchedMessage{
		Attributes: attrs,
		Header:     header,
		Content:    c.mime.Reconstruct(raw.text, root),
	}
}
