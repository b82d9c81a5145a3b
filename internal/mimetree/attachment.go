package mimetree

import (
	"fmt"
	"strings"
)

// Bytes returns the attachment payload with its transfer encoding
// removed. Data is returned as-is for identity and unknown encodings.
func (a *Attachment) Bytes() ([]byte, error) {
	switch strings.ToLower(a.Encoding) {
	case "base64":
		b, err := decodeBase64(a.Data)
		if err != nil {
			return nil, fmt.Errorf("decode base64 attachment %s: %w", a.PartID, err)
		}
		return b, nil
	case "quoted-printable":
		b, err := decodeQuotedPrintable(a.Data)
		if err != nil {
			return nil, fmt.Errorf("decode quoted-printable attachment %s: %w", a.PartID, err)
		}
		return b, nil
	default:
		return []byte(a.Data), nil
	}
}

// Filename returns the attachment's file name from the disposition
// parameters, falling back to the Content-Type "name" parameter.
func (a *Attachment) Filename() string {
	if name := a.DispositionParams["filename"]; name != "" {
		return name
	}
	return a.Params["name"]
}

// MediaType returns "type/subtype".
func (a *Attachment) MediaType() string {
	return a.Type + "/" + a.Subtype
}
