package email

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nugget/mailroom/internal/opstate"
)

func testOpstate(t *testing.T) *opstate.Store {
	t.Helper()
	s, err := opstate.Open(filepath.Join(t.TempDir(), "opstate_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewPoller(t *testing.T) {
	p := NewPoller(nil, testOpstate(t), nil)
	if p == nil {
		t.Error("NewPoller returned nil")
	}
}

func TestAdvanceHighWaterMark_Increases(t *testing.T) {
	state := testOpstate(t)
	p := NewPoller(nil, state, nil)
	if _, err := state.Advance(pollNamespace, "test:INBOX", 100); err != nil {
		t.Fatal(err)
	}

	fresh := p.advanceHighWaterMark("test", "test:INBOX", 100, []Envelope{
		{UID: 105},
		{UID: 103},
	})

	if len(fresh) != 2 {
		t.Errorf("fresh = %d envelopes, want 2", len(fresh))
	}
	if mark, _, _ := state.Mark(pollNamespace, "test:INBOX"); mark != 105 {
		t.Errorf("watermark = %d, want 105", mark)
	}
}

func TestAdvanceHighWaterMark_DropsAtOrBelowMark(t *testing.T) {
	state := testOpstate(t)
	p := NewPoller(nil, state, nil)
	if _, err := state.Advance(pollNamespace, "test:INBOX", 391); err != nil {
		t.Fatal(err)
	}

	// UID 391:* returns the newest message even when nothing is newer.
	fresh := p.advanceHighWaterMark("test", "test:INBOX", 391, []Envelope{
		{UID: 391},
		{UID: 286},
	})

	if len(fresh) != 0 {
		t.Errorf("fresh = %v, want none", fresh)
	}
	if mark, _, _ := state.Mark(pollNamespace, "test:INBOX"); mark != 391 {
		t.Errorf("watermark should not move: got %d, want 391", mark)
	}
}

func TestAdvanceHighWaterMark_EmptyMessages(t *testing.T) {
	state := testOpstate(t)
	p := NewPoller(nil, state, nil)
	if _, err := state.Advance(pollNamespace, "test:INBOX", 100); err != nil {
		t.Fatal(err)
	}

	if fresh := p.advanceHighWaterMark("test", "test:INBOX", 100, nil); len(fresh) != 0 {
		t.Errorf("fresh = %v, want none", fresh)
	}
	if mark, _, _ := state.Mark(pollNamespace, "test:INBOX"); mark != 100 {
		t.Errorf("watermark = %d, want 100", mark)
	}
}

func TestFilterSelfSent(t *testing.T) {
	cfg := Config{
		Accounts: []AccountConfig{
			{
				Name:        "work",
				IMAP:        IMAPConfig{Host: "imap.test.com", Port: 993, Username: "user"},
				SMTP:        SMTPConfig{Host: "smtp.test.com", Port: 587, Username: "user", Password: "pass"},
				DefaultFrom: "Mail Room <mailroom@example.com>",
			},
		},
	}
	p := NewPoller(NewManager(cfg, slog.Default()), nil, nil)

	messages := []Envelope{
		{UID: 105, From: "alice@example.com", Subject: "Hello"},
		{UID: 106, From: "Mail Room <mailroom@example.com>", Subject: "Re: Hello"},
		{UID: 107, From: "bob@example.com", Subject: "Meeting"},
		{UID: 108, From: "MailRoom@Example.com", Subject: "Re: Meeting"},
	}

	filtered := p.filterSelfSent("work", messages)

	if len(filtered) != 2 {
		t.Fatalf("expected 2 messages after filtering, got %d", len(filtered))
	}
	if filtered[0].UID != 105 || filtered[1].UID != 107 {
		t.Errorf("filtered UIDs = %d, %d; want 105, 107", filtered[0].UID, filtered[1].UID)
	}
}

func TestFilterSelfSent_NoDefaultFrom(t *testing.T) {
	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "readonly", IMAP: IMAPConfig{Host: "imap.test.com", Port: 993, Username: "user"}},
		},
	}
	p := NewPoller(NewManager(cfg, slog.Default()), nil, nil)

	filtered := p.filterSelfSent("readonly", []Envelope{{UID: 100, From: "anyone@example.com"}})
	if len(filtered) != 1 {
		t.Fatalf("expected 1 message (no filtering without DefaultFrom), got %d", len(filtered))
	}
}

type recordingNotifier struct {
	events []NewMail
}

func (r *recordingNotifier) NotifyNewMail(_ context.Context, ev NewMail) error {
	r.events = append(r.events, ev)
	return nil
}

func TestPoll_NoAccounts(t *testing.T) {
	rec := &recordingNotifier{}
	p := NewPoller(NewManager(Config{}, slog.Default()), testOpstate(t), nil, rec)

	if events := p.Poll(context.Background()); len(events) != 0 {
		t.Errorf("Poll() = %v, want no events", events)
	}
	if len(rec.events) != 0 {
		t.Errorf("notifier received %d events, want 0", len(rec.events))
	}
}
