package mimetree

import (
	"log/slog"
	"strings"
)

// Reconstructor walks body structures and fills [Content] values. It
// holds no per-message state and may be shared between goroutines.
type Reconstructor struct {
	logger *slog.Logger
}

// New creates a Reconstructor that logs degraded input to logger.
func New(logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{logger: logger}
}

// Reconstruct rebuilds the content of one message from its raw TEXT
// body section and its body structure. A nil root yields a Content
// holding only the raw text.
func (r *Reconstructor) Reconstruct(raw string, root Node) *Content {
	content := &Content{
		Raw:         raw,
		Attachments: []Attachment{},
	}
	if root != nil {
		r.Walk(root, raw, content)
	}
	return content
}

// Walk stores node's content into content. A leaf takes the whole of
// raw. A group splits raw on its boundary and hands segment i to child
// i, recursing into nested groups with their own segment as the new raw
// text. Leaves without a type or subtype, groups without a boundary and
// children without a matching segment are skipped.
func (r *Reconstructor) Walk(node Node, raw string, content *Content) {
	switch n := node.(type) {
	case *Leaf:
		if n == nil {
			return
		}
		if n.Type == "" || n.Subtype == "" {
			r.logger.Debug("skipping leaf without media type", "part", n.PartID)
			return
		}
		r.Store(raw, n, content)

	case *Group:
		if n == nil {
			return
		}
		r.walkGroup(n, raw, content)
	}
}

func (r *Reconstructor) walkGroup(g *Group, raw string, content *Content) {
	boundary := g.Boundary()
	if boundary == "" {
		r.logger.Debug("multipart group has no boundary", "part", g.PartID, "subtype", g.Subtype)
		return
	}

	segments := Split(raw, boundary)
	if len(segments) == 0 {
		r.logger.Debug("boundary not found in body", "part", g.PartID, "boundary", boundary)
		return
	}

	for i, child := range g.Children {
		if i >= len(segments) {
			r.logger.Debug("body has fewer segments than structure",
				"part", g.PartID,
				"segments", len(segments),
				"children", len(g.Children),
			)
			return
		}
		r.Walk(child, segments[i], content)
	}
}

// Store decodes data for leaf and records it. Text leaves append to
// content.Parts[type][subtype]; anything else becomes an attachment
// carrying a copy of the leaf with angle brackets stripped from its ID.
func (r *Reconstructor) Store(data string, leaf *Leaf, content *Content) {
	decoded := r.DecodeLeaf(data, leaf)

	if leaf.IsText() {
		typ := strings.ToLower(leaf.Type)
		sub := strings.ToLower(leaf.Subtype)
		if content.Parts == nil {
			content.Parts = make(map[string]map[string]string)
		}
		if content.Parts[typ] == nil {
			content.Parts[typ] = make(map[string]string)
		}
		content.Parts[typ][sub] += decoded
		return
	}

	att := Attachment{
		Leaf: leaf.Clone(),
		Data: decoded,
	}
	att.ID = stripAngleBrackets(att.ID)
	content.Attachments = append(content.Attachments, att)
}

// stripAngleBrackets removes exactly one enclosing "<" ">" pair.
func stripAngleBrackets(id string) string {
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		return id[1 : len(id)-1]
	}
	return id
}
