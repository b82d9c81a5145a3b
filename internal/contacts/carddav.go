package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/httpkit"
)

// ErrNoAddressBook is returned when the server lists no address books.
var ErrNoAddressBook = errors.New("carddav: no address book found")

// Syncer copies a CardDAV address book into a [Book].
type Syncer struct {
	cfg    config.CardDAVConfig
	book   *Book
	logger *slog.Logger
	client *http.Client
}

// NewSyncer creates a Syncer. Nothing is contacted until Sync runs.
func NewSyncer(cfg config.CardDAVConfig, book *Book, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:    cfg,
		book:   book,
		logger: logger,
		client: httpkit.NewClient(
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Sync downloads every card of the configured address book and
// replaces the book's contents. It returns the number of cards stored.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.cfg.Configured() {
		return 0, fmt.Errorf("carddav: no server configured")
	}

	hc := webdav.HTTPClientWithBasicAuth(s.client, s.cfg.Username, s.cfg.Password)
	client, err := carddav.NewClient(hc, s.cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("carddav client: %w", err)
	}

	path := s.cfg.AddressBook
	if path == "" {
		path, err = discoverAddressBook(ctx, client)
		if err != nil {
			return 0, err
		}
	}

	objects, err := client.QueryAddressBook(ctx, path, &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
	})
	if err != nil {
		return 0, fmt.Errorf("carddav query %s: %w", path, err)
	}

	cards := make([]vcard.Card, 0, len(objects))
	for _, obj := range objects {
		if obj.Card != nil {
			cards = append(cards, obj.Card)
		}
	}
	if err := s.book.Replace(cards); err != nil {
		return 0, err
	}

	s.logger.Info("address book synced", "address_book", path, "contacts", len(cards))
	return len(cards), nil
}

// Run syncs immediately and then every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Warn("address book sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Warn("address book sync failed", "error", err)
			}
		}
	}
}

// discoverAddressBook walks principal, home set and collection list
// and returns the first address book's path.
func discoverAddressBook(ctx context.Context, client *carddav.Client) (string, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("carddav principal: %w", err)
	}
	home, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("carddav home set: %w", err)
	}
	books, err := client.FindAddressBooks(ctx, home)
	if err != nil {
		return "", fmt.Errorf("carddav address books: %w", err)
	}
	if len(books) == 0 {
		return "", ErrNoAddressBook
	}
	return books[0].Path, nil
}
