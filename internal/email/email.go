// Package email provides IMAP and SMTP access for mailroom. It lists
// folders, fetches whole folders or single messages and rebuilds their
// MIME content with [mimetree], moves messages, updates flags, and
// composes and sends outbound mail. Multiple accounts are supported
// through [Manager].
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nugget/mailroom/internal/mimetree"
)

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for an email message, suitable for
// list views and poll notifications.
type Envelope struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Subject string    `json:"subject"`
	Flags   []string  `json:"flags,omitempty"`
	Size    uint32    `json:"size"`
}

// Header holds the header fields fetched alongside each message body.
type Header struct {
	From    []string  `json:"from,omitempty"`
	To      []string  `json:"to,omitempty"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// Attributes are the protocol-level facts the server reports for a
// message.
type Attributes struct {
	// SeqNum is the message sequence number at fetch time.
	SeqNum uint32 `json:"seqno"`

	UID          uint32    `json:"uid"`
	Flags        []string  `json:"flags"`
	InternalDate time.Time `json:"date"`
	Size         int64     `json:"size"`

	// Structure is the body structure the content was rebuilt from.
	Structure mimetree.Node `json:"-"`
}

// FetchedMessage is one message of a folder fetch: header fields,
// attributes and the reconstructed body.
type FetchedMessage struct {
	Attributes Attributes        `json:"attributes"`
	Header     Header            `json:"header"`
	Content    *mimetree.Content `json:"content"`
}

// Folder represents an IMAP mailbox with its status counters.
type Folder struct {
	// Name is the full mailbox name (e.g., "INBOX", "Archive/2024").
	Name string `json:"name"`

	// Delimiter is the hierarchy separator, or "" for a flat namespace.
	Delimiter string `json:"delimiter,omitempty"`

	// Attributes contains IMAP mailbox attributes (e.g., \Noselect, \Trash).
	Attributes []string `json:"attributes,omitempty"`

	Messages uint32 `json:"messages"`
	Unseen   uint32 `json:"unseen"`
}

// FolderNode is a folder placed in the mailbox hierarchy. Children hold
// no reference back to their parent, so a tree encodes to JSON cleanly.
type FolderNode struct {
	Folder
	// Label is the last hierarchy component of Name.
	Label    string        `json:"label"`
	Children []*FolderNode `json:"children,omitempty"`
}

// FetchOptions controls a whole-folder fetch.
type FetchOptions struct {
	// Folder is the mailbox to fetch. Default: "INBOX".
	Folder string

	// Criteria narrows the search. Nil fetches every message.
	Criteria *SearchOptions

	// Limit keeps only the newest N matches. Zero fetches all.
	Limit int

	// Account is the account name. Empty uses the primary account.
	Account string
}

// ListOptions controls envelope listings.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return. Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool

	// SinceUID returns only messages with a higher UID, ignoring Limit.
	SinceUID uint32

	Account string
}

// SearchOptions controls message search.
type SearchOptions struct {
	Folder string `json:"folder,omitempty"`

	// Query is free text matched against headers and body.
	Query string `json:"query,omitempty"`

	// From filters by sender address or name.
	From string `json:"from,omitempty"`

	Since  time.Time `json:"since,omitempty"`
	Before time.Time `json:"before,omitempty"`

	// Unseen restricts results to messages without \Seen.
	Unseen bool `json:"unseen,omitempty"`

	// Limit is the maximum number of results. Default: 20.
	Limit int `json:"limit,omitempty"`

	Account string `json:"account,omitempty"`
}

// FlagAction adds or removes flags on messages in one folder.
type FlagAction struct {
	UIDs   []uint32 `json:"uids"`
	Folder string   `json:"folder"`

	// Flags lists flag names. System flags may be given with or without
	// the leading backslash ("Seen" or "\Seen"); other names are sent as
	// keywords.
	Flags []string `json:"flags"`

	// Add adds the flags when true and removes them when false.
	Add bool `json:"add"`

	Account string `json:"account,omitempty"`
}

// MoveOptions describes an IMAP message move operation.
type MoveOptions struct {
	UIDs []uint32 `json:"uids"`

	// Folder is the source folder. Default: "INBOX".
	Folder string `json:"folder"`

	// Destination is the target folder (required).
	Destination string `json:"destination"`

	Account string `json:"account,omitempty"`
}

// BodyFormat selects how SendOptions.Body is interpreted.
type BodyFormat string

const (
	// BodyHTML sends Body as text/html with a derived text/plain
	// alternative.
	BodyHTML BodyFormat = "html"

	// BodyMarkdown renders Body from markdown into both parts.
	BodyMarkdown BodyFormat = "markdown"
)

// SendOptions describes an outbound email message.
type SendOptions struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	// Format defaults to BodyHTML.
	Format BodyFormat `json:"format,omitempty"`

	// Confirmed lets the message go to contacts in the "known" trust
	// zone.
	Confirmed bool `json:"confirmed,omitempty"`

	Account string `json:"account,omitempty"`
}
