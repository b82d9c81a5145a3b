package email

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUntrusted accompanies ErrSend when recipient trust checks stop an
// outbound message.
var ErrUntrusted = errors.New("recipient not trusted")

// Trust zones understood by the recipient gate.
const (
	ZoneOwner   = "owner"
	ZoneTrusted = "trusted"
	ZoneKnown   = "known"
)

// ContactResolver resolves email addresses to trust zone levels.
// Implementations wrap a contact store without requiring the email
// package to import the contacts package directly.
type ContactResolver interface {
	// ResolveTrustZone returns the trust zone ("owner", "trusted",
	// "known") for the given email address. Returns ("", false, nil)
	// if no matching contact is found.
	ResolveTrustZone(email string) (zone string, found bool, err error)
}

// TrustResult categorizes recipient addresses by their trust zone
// disposition for outbound email.
type TrustResult struct {
	// Allowed contains addresses that can be sent to freely
	// (trust zone "owner" or "trusted").
	Allowed []string

	// Warnings name "known" contacts, which need the sender's
	// confirmation.
	Warnings []string

	// Blocked names addresses with no usable contact record.
	Blocked []string
}

// CheckRecipientTrust evaluates each address against the contact store
// and categorizes them by trust zone. If cr is nil, all addresses are
// allowed (trust gating is disabled).
func CheckRecipientTrust(cr ContactResolver, addresses []string) TrustResult {
	var result TrustResult

	if cr == nil {
		result.Allowed = addresses
		return result
	}

	for _, addr := range addresses {
		bare := extractAddress(addr)
		zone, found, err := cr.ResolveTrustZone(bare)
		switch {
		case err != nil:
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("%s: contact lookup failed: %v", bare, err))
		case !found:
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("%s: no contact record", bare))
		case zone == ZoneOwner || zone == ZoneTrusted:
			result.Allowed = append(result.Allowed, addr)
		case zone == ZoneKnown:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: known contact, confirmation required", bare))
		default:
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("%s: unrecognized trust zone %q", bare, zone))
		}
	}

	return result
}

// HasIssues reports whether the trust check found any warnings or
// blocked addresses that prevent immediate sending.
func (tr TrustResult) HasIssues() bool {
	return len(tr.Warnings) > 0 || len(tr.Blocked) > 0
}

// Permits reports whether a message may go out. Known contacts pass
// only when confirmed is true; blocked addresses never pass.
func (tr TrustResult) Permits(confirmed bool) bool {
	if len(tr.Blocked) > 0 {
		return false
	}
	return confirmed || len(tr.Warnings) == 0
}

// FormatIssues returns a human-readable summary of all trust issues,
// one per line.
func (tr TrustResult) FormatIssues() string {
	lines := make([]string, 0, len(tr.Warnings)+len(tr.Blocked))
	for _, w := range tr.Warnings {
		lines = append(lines, "warning: "+w)
	}
	for _, b := range tr.Blocked {
		lines = append(lines, "blocked: "+b)
	}
	return strings.Join(lines, "\n")
}
