// Package contacts provides the address book that decides how far
// mailroom trusts an outbound recipient. Contacts are vCards kept in a
// single file and optionally refreshed from a CardDAV server.
package contacts

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/nugget/mailroom/internal/email"
)

// Contact is one address book entry.
type Contact struct {
	UID       string   `json:"uid"`
	Name      string   `json:"name"`
	Emails    []string `json:"emails"`
	TrustZone string   `json:"trust_zone"`
}

// zoneRank orders trust zones so that an address shared by several
// contacts resolves to the most trusted one.
var zoneRank = map[string]int{
	email.ZoneKnown:   1,
	email.ZoneTrusted: 2,
	email.ZoneOwner:   3,
}

// Book is an in-memory index of a vCard file. It is safe for
// concurrent use.
type Book struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	contacts []*Contact
	byEmail  map[string][]*Contact
}

var _ email.ContactResolver = (*Book)(nil)

// OpenBook loads the vCard file at path. A missing file yields an
// empty book that a CardDAV sync can fill later.
func OpenBook(path string, logger *slog.Logger) (*Book, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Book{path: path, logger: logger, byEmail: map[string][]*Contact{}}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the vCard file.
func (b *Book) Reload() error {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Debug("address book file missing, starting empty", "path", b.path)
		b.index(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open address book: %w", err)
	}
	defer f.Close()

	cards, err := decodeCards(f)
	if err != nil {
		return fmt.Errorf("read address book %s: %w", b.path, err)
	}
	b.index(cards)
	b.logger.Debug("address book loaded", "path", b.path, "contacts", len(cards))
	return nil
}

// Replace writes cards to the book file and re-indexes. The file is
// replaced atomically so a failed write leaves the old book intact.
func (b *Book) Replace(cards []vcard.Card) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create address book dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".contacts-*.vcf")
	if err != nil {
		return fmt.Errorf("create address book: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := vcard.NewEncoder(tmp)
	for _, card := range cards {
		if card.Value(vcard.FieldVersion) == "" {
			card.SetValue(vcard.FieldVersion, "4.0")
		}
		if err := enc.Encode(card); err != nil {
			tmp.Close()
			return fmt.Errorf("encode contact: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write address book: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replace address book: %w", err)
	}

	b.index(cards)
	return nil
}

// Contacts returns every contact sorted by name.
func (b *Book) Contacts() []Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		out = append(out, *c)
	}
	return out
}

// Lookup returns the most trusted contact holding addr.
func (b *Book) Lookup(addr string) (Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *Contact
	for _, c := range b.byEmail[normalizeAddress(addr)] {
		if best == nil || zoneRank[c.TrustZone] > zoneRank[best.TrustZone] {
			best = c
		}
	}
	if best == nil {
		return Contact{}, false
	}
	return *best, true
}

// ResolveTrustZone implements [email.ContactResolver].
func (b *Book) ResolveTrustZone(addr string) (string, bool, error) {
	c, ok := b.Lookup(addr)
	if !ok {
		return "", false, nil
	}
	return c.TrustZone, true, nil
}

func (b *Book) index(cards []vcard.Card) {
	contacts := make([]*Contact, 0, len(cards))
	byEmail := make(map[string][]*Contact)
	for _, card := range cards {
		c := contactFromCard(card)
		if len(c.Emails) == 0 {
			continue
		}
		contacts = append(contacts, c)
		for _, e := range c.Emails {
			byEmail[e] = append(byEmail[e], c)
		}
	}
	sort.Slice(contacts, func(i, j int) bool {
		return strings.ToLower(contacts[i].Name) < strings.ToLower(contacts[j].Name)
	})

	b.mu.Lock()
	b.contacts = contacts
	b.byEmail = byEmail
	b.mu.Unlock()
}

func decodeCards(r io.Reader) ([]vcard.Card, error) {
	dec := vcard.NewDecoder(r)
	var cards []vcard.Card
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return cards, nil
		}
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
}

// contactFromCard extracts the fields mailroom needs from a vCard. The
// trust zone comes from CATEGORIES; a contact without a zone category
// is known.
func contactFromCard(card vcard.Card) *Contact {
	c := &Contact{
		UID:       card.Value(vcard.FieldUID),
		Name:      strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName)),
		TrustZone: email.ZoneKnown,
	}

	seen := make(map[string]bool)
	for _, v := range card.Values(vcard.FieldEmail) {
		addr := normalizeAddress(v)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		c.Emails = append(c.Emails, addr)
	}

	for _, cat := range card.Categories() {
		zone := strings.ToLower(strings.TrimSpace(cat))
		if zoneRank[zone] > zoneRank[c.TrustZone] {
			c.TrustZone = zone
		}
	}

	if c.Name == "" && len(c.Emails) > 0 {
		c.Name = c.Emails[0]
	}
	if c.UID == "" {
		// Stable across reloads so synced and local copies line up.
		c.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.Join(c.Emails, ","))).String()
	}
	return c
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "mailto:"), "MAILTO:")
	return strings.ToLower(addr)
}
