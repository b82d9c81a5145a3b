package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mailroom/internal/opstate"
)

// pollNamespace is the opstate namespace for INBOX watermarks.
const pollNamespace = "email_poll"

// NewMail reports messages that arrived in one account's INBOX since
// the previous poll.
type NewMail struct {
	Account    string     `json:"account"`
	Folder     string     `json:"folder"`
	Messages   []Envelope `json:"messages"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Notifier receives new-mail events from the Poller.
type Notifier interface {
	NotifyNewMail(ctx context.Context, ev NewMail) error
}

// Poller checks configured email accounts for new messages by comparing
// IMAP UIDs against a persisted watermark and hands what it finds to
// its notifiers.
type Poller struct {
	// mu serializes polls so overlapping triggers cannot report the
	// same messages twice.
	mu sync.Mutex

	manager   *Manager
	state     *opstate.Store
	notifiers []Notifier
	logger    *slog.Logger
}

// NewPoller creates an email poller that checks all accounts managed by
// the given Manager and tracks watermarks in the provided store.
func NewPoller(manager *Manager, state *opstate.Store, logger *slog.Logger, notifiers ...Notifier) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager:   manager,
		state:     state,
		notifiers: notifiers,
		logger:    logger,
	}
}

// Run polls every interval until ctx is cancelled. The first check
// happens immediately.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	p.logger.Info("email poller started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("email poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll checks every account once and notifies about new mail. Errors
// are logged per account; one failing account does not stop the rest.
func (p *Poller) Poll(ctx context.Context) []NewMail {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := p.CheckNewMessages(ctx)
	for _, ev := range events {
		for _, n := range p.notifiers {
			if err := n.NotifyNewMail(ctx, ev); err != nil {
				p.logger.Warn("new mail notification failed",
					"email_account", ev.Account,
					"notifier", fmt.Sprintf("%T", n),
					"error", err,
				)
			}
		}
	}
	return events
}

// CheckNewMessages checks all configured accounts for messages newer
// than the stored watermark.
//
// On first run (no stored watermark), the current highest UID is
// recorded silently without reporting it as new, so a fresh deployment
// does not announce the entire inbox.
func (p *Poller) CheckNewMessages(ctx context.Context) []NewMail {
	var events []NewMail
	for _, name := range p.manager.AccountNames() {
		ev, err := p.checkAccount(ctx, name)
		if err != nil {
			p.logger.Warn("email poll failed for account",
				"email_account", name,
				"error", err,
			)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func (p *Poller) checkAccount(ctx context.Context, accountName string) (*NewMail, error) {
	client, err := p.manager.Account(accountName)
	if err != nil {
		return nil, err
	}

	stateKey := accountName + ":INBOX"
	mark, ok, err := p.state.Mark(pollNamespace, stateKey)
	if err != nil {
		return nil, err
	}

	if !ok {
		latest, err := client.ListMessages(ctx, ListOptions{Folder: "INBOX", Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", accountName, err)
		}
		if len(latest) == 0 {
			return nil, nil
		}
		if _, err := p.state.Advance(pollNamespace, stateKey, latest[0].UID); err != nil {
			return nil, err
		}
		p.logger.Info("email poll first run, seeded watermark",
			"email_account", accountName,
			"uid", latest[0].UID,
		)
		return nil, nil
	}

	// Every message above the mark, regardless of how many arrived.
	envelopes, err := client.ListMessages(ctx, ListOptions{
		Folder:   "INBOX",
		SinceUID: mark,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", accountName, err)
	}

	fresh := p.advanceHighWaterMark(accountName, stateKey, mark, envelopes)
	fresh = p.filterSelfSent(accountName, fresh)
	if len(fresh) == 0 {
		return nil, nil
	}

	return &NewMail{
		Account:    accountName,
		Folder:     "INBOX",
		Messages:   fresh,
		DetectedAt: time.Now(),
	}, nil
}

// advanceHighWaterMark moves the stored mark to the highest UID seen
// and returns only the envelopes above the previous mark. A UID range
// search always returns the newest message even when it is below the
// range, so those are dropped here.
func (p *Poller) advanceHighWaterMark(accountName, stateKey string, mark uint32, envelopes []Envelope) []Envelope {
	var fresh []Envelope
	highest := mark
	for _, env := range envelopes {
		if env.UID <= mark {
			continue
		}
		fresh = append(fresh, env)
		if env.UID > highest {
			highest = env.UID
		}
	}
	if highest == mark {
		return fresh
	}
	if _, err := p.state.Advance(pollNamespace, stateKey, highest); err != nil {
		p.logger.Warn("failed to advance watermark",
			"email_account", accountName,
			"uid", highest,
			"error", err,
		)
	}
	return fresh
}

// filterSelfSent drops messages sent from the account's own default
// From address.
func (p *Poller) filterSelfSent(accountName string, envelopes []Envelope) []Envelope {
	acct, err := p.manager.AccountConfig(accountName)
	if err != nil || acct.DefaultFrom == "" {
		return envelopes
	}
	self := extractAddress(acct.DefaultFrom)

	filtered := envelopes[:0:0]
	for _, env := range envelopes {
		if strings.EqualFold(extractAddress(env.From), self) {
			continue
		}
		filtered = append(filtered, env)
	}
	return filtered
}
