// Package mimetree rebuilds a message's MIME tree from the two things an
// IMAP server hands back separately: the flat TEXT body section and the
// BODYSTRUCTURE description of its parts. The result is a [Content]
// value with decoded text parts keyed by type and subtype, and every
// non-text part collected as an [Attachment].
//
// Reconstruction is best-effort. Malformed structures, missing
// boundaries and undecodable payloads degrade to empty or unchanged
// values and are logged at debug level; nothing in this package returns
// an error.
package mimetree

import "strings"

// Node is one entry in a body structure tree: either a [*Leaf] or a
// [*Group].
type Node interface {
	node()
}

// Leaf describes one concrete content part.
type Leaf struct {
	// Type and Subtype are the lower-cased MIME media type halves
	// (e.g. "text" and "plain").
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// Encoding is the Content-Transfer-Encoding ("base64",
	// "quoted-printable", "7bit", ...).
	Encoding string `json:"encoding,omitempty"`

	// Params holds the Content-Type parameters (charset, name, ...).
	Params map[string]string `json:"params,omitempty"`

	// ID is the Content-ID. Attachments have angle brackets removed.
	ID string `json:"id,omitempty"`

	// PartID is the IMAP section path of this part (e.g. "1.2").
	PartID string `json:"partID,omitempty"`

	Description       string            `json:"description,omitempty"`
	Size              uint32            `json:"size,omitempty"`
	Disposition       string            `json:"disposition,omitempty"`
	DispositionParams map[string]string `json:"dispositionParams,omitempty"`
	Language          []string          `json:"language,omitempty"`
	Location          string            `json:"location,omitempty"`
}

func (*Leaf) node() {}

// Charset returns the charset parameter, or "" if none was reported.
func (l *Leaf) Charset() string {
	return l.Params["charset"]
}

// IsText reports whether the leaf's major type is text.
func (l *Leaf) IsText() bool {
	return strings.EqualFold(l.Type, "text")
}

// Clone returns a deep copy of the leaf. Maps and slices are copied so
// the clone can be modified without touching the original structure.
func (l *Leaf) Clone() Leaf {
	c := *l
	c.Params = cloneParams(l.Params)
	c.DispositionParams = cloneParams(l.DispositionParams)
	if l.Language != nil {
		c.Language = append([]string(nil), l.Language...)
	}
	return c
}

// Group describes a multipart container. Its boundary delimits the
// immediate children only; nested groups carry their own.
type Group struct {
	// Subtype is the multipart flavor ("mixed", "alternative", ...).
	Subtype string `json:"subtype"`

	// Params holds the multipart Content-Type parameters, including
	// "boundary".
	Params map[string]string `json:"params,omitempty"`

	PartID   string `json:"partID,omitempty"`
	Children []Node `json:"-"`
}

func (*Group) node() {}

// Boundary returns the group's boundary parameter.
func (g *Group) Boundary() string {
	return g.Params["boundary"]
}

// Content is the reconstructed message body.
type Content struct {
	// Raw is the undecoded TEXT body section, kept for diagnostics.
	Raw string `json:"raw"`

	// Parts maps media type to subtype to decoded text, e.g.
	// Parts["text"]["html"]. Leaves sharing a type/subtype pair are
	// concatenated in the order they were encountered.
	Parts map[string]map[string]string `json:"parts,omitempty"`

	// Attachments holds every non-text leaf in encounter order.
	Attachments []Attachment `json:"attachments"`
}

// Text returns the decoded text/<subtype> content, or "" if the message
// had no such part.
func (c *Content) Text(subtype string) string {
	return c.Parts["text"][strings.ToLower(subtype)]
}

// Attachment is a non-text leaf together with its data. Data is stored
// as received; use [Attachment.Bytes] to undo the transfer encoding.
type Attachment struct {
	Leaf
	Data string `json:"data"`
}

func cloneParams(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
