package mimetree

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"
)

func init() {
	// Legacy charsets still common in mail from older clients.
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// DecodeLeaf decodes content according to the leaf's transfer encoding
// and charset. Only text leaves are decoded; any other media type is
// returned exactly as received.
func (r *Reconstructor) DecodeLeaf(content string, leaf *Leaf) string {
	if !leaf.IsText() {
		return content
	}
	return r.Decode(content, leaf.Encoding, leaf.Charset())
}

// Decode undoes a Content-Transfer-Encoding and converts the result to
// UTF-8 from charsetName. Only base64 and quoted-printable are decoded;
// every other encoding, including "", returns content unchanged.
// Payloads that fail to decode are also returned unchanged.
func (r *Reconstructor) Decode(content, encoding, charsetName string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		data, err := decodeBase64(content)
		if err != nil {
			r.logger.Debug("base64 decode failed, keeping raw content", "error", err)
			return content
		}
		return r.toUTF8(data, charsetName)

	case "quoted-printable":
		data, err := decodeQuotedPrintable(content)
		if err != nil {
			r.logger.Debug("quoted-printable decode failed, keeping raw content", "error", err)
			return content
		}
		return r.toUTF8(data, charsetName)

	default:
		if encoding != "" && !isIdentityEncoding(encoding) {
			r.logger.Debug("unsupported transfer encoding, passing through", "encoding", encoding)
		}
		return content
	}
}

// toUTF8 converts data from charsetName to UTF-8. Unknown charsets keep
// the bytes as they are.
func (r *Reconstructor) toUTF8(data []byte, charsetName string) string {
	switch strings.ToLower(charsetName) {
	case "", "utf-8", "utf8", "us-ascii":
		return string(data)
	}

	cr, err := charset.Reader(charsetName, bytes.NewReader(data))
	if err != nil {
		r.logger.Debug("unknown charset, keeping bytes", "charset", charsetName, "error", err)
		return string(data)
	}
	out, err := io.ReadAll(cr)
	if err != nil {
		r.logger.Debug("charset conversion failed, keeping bytes", "charset", charsetName, "error", err)
		return string(data)
	}
	return string(out)
}

// decodeBase64 decodes a base64 body that may be wrapped across lines
// and may be missing its padding.
func decodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(clean)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

func decodeQuotedPrintable(s string) ([]byte, error) {
	return io.ReadAll(quotedprintable.NewReader(strings.NewReader(s)))
}

func isIdentityEncoding(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "7bit", "8bit", "binary":
		return true
	}
	return false
}
