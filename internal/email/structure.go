package email

import (
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nugget/mailroom/internal/mimetree"
)

// convertStructure turns a go-imap body structure into the tree the
// reconstructor walks. Media types, encodings and parameter names are
// lower-cased; parameter values (boundaries in particular) are kept
// verbatim. Returns nil for a nil or unrecognized structure.
func convertStructure(bs imap.BodyStructure) mimetree.Node {
	return convertPart(bs, nil)
}

func convertPart(bs imap.BodyStructure, path []int) mimetree.Node {
	switch p := bs.(type) {
	case *imap.BodyStructureSinglePart:
		if p == nil {
			return nil
		}
		if path == nil {
			// A single-part message is section 1.
			path = []int{1}
		}
		leaf := &mimetree.Leaf{
			Type:        strings.ToLower(p.Type),
			Subtype:     strings.ToLower(p.Subtype),
			Encoding:    strings.ToLower(p.Encoding),
			Params:      lowerKeys(p.Params),
			ID:          p.ID,
			PartID:      partID(path),
			Description: p.Description,
			Size:        p.Size,
		}
		if ext := p.Extended; ext != nil {
			leaf.Language = ext.Language
			leaf.Location = ext.Location
			if ext.Disposition != nil {
				leaf.Disposition = strings.ToLower(ext.Disposition.Value)
				leaf.DispositionParams = lowerKeys(ext.Disposition.Params)
			}
		}
		return leaf

	case *imap.BodyStructureMultiPart:
		if p == nil {
			return nil
		}
		group := &mimetree.Group{
			Subtype: strings.ToLower(p.Subtype),
			PartID:  partID(path),
		}
		if p.Extended != nil {
			group.Params = lowerKeys(p.Extended.Params)
		}
		// Children keep their positions even when unrecognized, since
		// the walker pairs them with body segments by index.
		group.Children = make([]mimetree.Node, len(p.Children))
		for i, child := range p.Children {
			childPath := append(append([]int(nil), path...), i+1)
			group.Children[i] = convertPart(child, childPath)
		}
		return group
	}
	return nil
}

// partID renders an IMAP section path such as "1.2.3".
func partID(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func lowerKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
