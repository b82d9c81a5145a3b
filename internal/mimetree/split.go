package mimetree

import "strings"

// Split cuts one multipart level of raw into its part bodies, in order.
//
// Every line containing "--"+boundary closes the part in progress and
// opens the next one. The header block of each part (everything up to
// the first blank line after the delimiter) is dropped, as are any
// blank lines before the first body line, and the remaining body lines
// are rejoined with CRLF. A closing delimiter
// ("--boundary--") does not open a new part, and a delimiter followed
// by nothing produces no trailing empty part. A part that has headers
// but no body yields "" at its position.
//
// Text before the first delimiter is ignored. If the boundary never
// appears Split returns nil.
func Split(raw, boundary string) []string {
	if boundary == "" {
		return nil
	}
	delim := "--" + boundary

	// Bodies should be CRLF, but tolerate bare LF from sloppy servers.
	sep := "\r\n"
	if !strings.Contains(raw, sep) {
		sep = "\n"
	}

	var (
		parts    []string
		body     []string
		open     bool // a delimiter has opened a part
		inHeader bool
		touched  bool // the open part has seen a non-empty line
	)
	emit := func() {
		parts = append(parts, strings.Join(body, "\r\n"))
		body = body[:0]
	}

	for _, line := range strings.Split(raw, sep) {
		if strings.Contains(line, delim) {
			if open {
				emit()
			}
			open = !strings.Contains(line, delim+"--")
			inHeader = true
			touched = false
			continue
		}
		if !open {
			continue
		}
		if line != "" {
			touched = true
		}
		if inHeader {
			if line == "" {
				inHeader = false
			}
			continue
		}
		if line == "" && len(body) == 0 {
			continue
		}
		body = append(body, line)
	}

	if open && touched {
		emit()
	}
	return parts
}
