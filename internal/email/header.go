package email

import (
	"bufio"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// headerFields are the header fields fetched with every message in a
// folder fetch.
var headerFields = []string{"From", "To", "Subject", "Date"}

// parseHeaderFields parses a HEADER.FIELDS body section. Encoded words
// are decoded; fields that fail to parse are left empty rather than
// failing the message.
func parseHeaderFields(raw string) (Header, error) {
	var h Header

	// A truncated section may lack the terminating blank line.
	if !strings.HasSuffix(raw, "\r\n\r\n") && !strings.HasSuffix(raw, "\n\n") {
		raw = strings.TrimRight(raw, "\r\n") + "\r\n\r\n"
	}

	th, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return h, err
	}
	mh := mail.Header{Header: message.Header{Header: th}}

	if subject, err := mh.Subject(); err == nil {
		h.Subject = subject
	} else {
		h.Subject = mh.Get("Subject")
	}
	if date, err := mh.Date(); err == nil {
		h.Date = date
	}
	h.From = headerAddresses(mh, "From")
	h.To = headerAddresses(mh, "To")

	return h, nil
}

// headerAddresses returns the formatted addresses of an address-list
// field, falling back to the raw field text when it does not parse.
func headerAddresses(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return []string{v}
		}
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, a.Name+" <"+a.Address+">")
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}
