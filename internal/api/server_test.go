package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/mailcache"
	"github.com/nugget/mailroom/internal/mimetree"
)

type fakeMailbox struct {
	folders  []email.Folder
	messages []email.FetchedMessage
	fetchErr error
	readErr  error

	lastFetch  email.FetchOptions
	lastMove   email.MoveOptions
	lastFlags  email.FlagAction
	lastSearch email.SearchOptions
	readUID    uint32
}

func (f *fakeMailbox) ListFolders(context.Context) ([]email.Folder, error) {
	return f.folders, nil
}

func (f *fakeMailbox) FolderTree(context.Context) ([]*email.FolderNode, error) {
	return email.BuildFolderTree(f.folders), nil
}

func (f *fakeMailbox) FetchFolder(_ context.Context, opts email.FetchOptions) ([]email.FetchedMessage, error) {
	f.lastFetch = opts
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.messages, nil
}

func (f *fakeMailbox) ReadMessage(_ context.Context, _ string, uid uint32) (*email.FetchedMessage, error) {
	f.readUID = uid
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &f.messages[0], nil
}

func (f *fakeMailbox) SearchMessages(_ context.Context, opts email.SearchOptions) ([]email.Envelope, error) {
	f.lastSearch = opts
	var out []email.Envelope
	for _, m := range f.messages {
		if strings.Contains(m.Header.Subject, opts.Query) {
			out = append(out, email.Envelope{UID: m.Attributes.UID, Subject: m.Header.Subject})
		}
	}
	return out, nil
}

func (f *fakeMailbox) MoveMessages(_ context.Context, opts email.MoveOptions) error {
	f.lastMove = opts
	return nil
}

func (f *fakeMailbox) SetFlags(_ context.Context, action email.FlagAction) error {
	f.lastFlags = action
	return nil
}

type fakeMail struct {
	boxes   map[string]*fakeMailbox
	sendErr error
	sent    []email.SendOptions
}

func (m *fakeMail) AccountNames() []string { return []string{"personal", "work"} }
func (m *fakeMail) Primary() string        { return "personal" }

func (m *fakeMail) Mailbox(account string) (Mailbox, error) {
	if account == "" {
		account = m.Primary()
	}
	mb, ok := m.boxes[account]
	if !ok {
		return nil, fmt.Errorf("email account %q not found", account)
	}
	return mb, nil
}

func (m *fakeMail) Send(_ context.Context, opts email.SendOptions) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, opts)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *fakeMail) {
	t.Helper()
	mail := &fakeMail{boxes: map[string]*fakeMailbox{
		"personal": {
			folders: []email.Folder{{Name: "INBOX", Messages: 2}, {Name: "Archive/2024", Delimiter: "/"}},
			messages: []email.FetchedMessage{{
				Attributes: email.Attributes{UID: 7},
				Header:     email.Header{Subject: "hello"},
				Content:    &mimetree.Content{Raw: "hi", Parts: map[string]map[string]string{"text": {"plain": "hi"}}},
			}},
		},
		"work": {},
	}}
	return NewServer("127.0.0.1", 0, mail, quietLogger()), mail
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]map[string]any](t, rec)
	msg, _ := body["error"]["message"].(string)
	return msg
}

func TestAccounts(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/v1/accounts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		Accounts []string `json:"accounts"`
		Primary  string   `json:"primary"`
	}](t, rec)
	if len(body.Accounts) != 2 || body.Primary != "personal" {
		t.Errorf("body = %+v", body)
	}
}

func TestFolders(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), "GET", "/v1/folders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if folders := decode[[]email.Folder](t, rec); len(folders) != 2 {
		t.Errorf("got %d folders, want 2", len(folders))
	}

	rec = do(t, s.Handler(), "GET", "/v1/folders/tree", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tree status = %d", rec.Code)
	}
	tree := decode[[]*email.FolderNode](t, rec)
	// Archive is synthesized as the parent of Archive/2024.
	if len(tree) != 2 || tree[0].Label != "Archive" || len(tree[0].Children) != 1 {
		t.Errorf("tree = %+v", tree)
	}
}

func TestUnknownAccount(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/v1/folders?account=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestFetchFolder(t *testing.T) {
	s, mail := newTestServer(t)

	rec := do(t, s.Handler(), "GET", "/v1/messages?folder=Archive&limit=5&query=invoice&since=2026-01-02", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[folderResponse](t, rec)
	if body.Account != "personal" || body.Folder != "Archive" || body.Stale {
		t.Errorf("body = %+v", body)
	}
	if len(body.Messages) != 1 || body.Messages[0].Content.Parts["text"]["plain"] != "hi" {
		t.Errorf("messages = %+v", body.Messages)
	}

	got := mail.boxes["personal"].lastFetch
	if got.Limit != 5 || got.Criteria == nil || got.Criteria.Query != "invoice" {
		t.Errorf("fetch options = %+v", got)
	}
	if want := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC); !got.Criteria.Since.Equal(want) {
		t.Errorf("since = %v, want %v", got.Criteria.Since, want)
	}
}

func TestFetchFolder_BadParams(t *testing.T) {
	s, _ := newTestServer(t)
	for _, target := range []string{
		"/v1/messages?limit=-1",
		"/v1/messages?limit=x",
		"/v1/messages?since=yesterday",
		"/v1/messages?unseen=maybe",
	} {
		if rec := do(t, s.Handler(), "GET", target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestFetchFolder_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "timeout",
			err:      fmt.Errorf("%w INBOX: %w: %w", email.ErrFetch, email.ErrTimeout, context.DeadlineExceeded),
			wantCode: http.StatusGatewayTimeout,
			wantMsg:  "Timed out while connecting to the server",
		},
		{
			name:     "folder open",
			err:      fmt.Errorf("%w Nope: NO no such mailbox", email.ErrFolderOpen),
			wantCode: http.StatusBadGateway,
			wantMsg:  "Failed to open the folder",
		},
		{
			name:     "search",
			err:      fmt.Errorf("%w INBOX: BAD", email.ErrSearch),
			wantCode: http.StatusBadGateway,
			wantMsg:  "Failed to query for emails on the server",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mail := newTestServer(t)
			mail.boxes["personal"].fetchErr = tt.err

			rec := do(t, s.Handler(), "GET", "/v1/messages", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if msg := errorMessage(t, rec); msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestFetchFolder_CacheFallback(t *testing.T) {
	s, mail := newTestServer(t)
	cache, err := mailcache.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })
	s.SetCache(cache)

	// A successful whole-folder fetch populates the cache.
	if rec := do(t, s.Handler(), "GET", "/v1/messages", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	mail.boxes["personal"].fetchErr = fmt.Errorf("%w: %w", email.ErrFetch, email.ErrTimeout)
	rec := do(t, s.Handler(), "GET", "/v1/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fallback status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[folderResponse](t, rec)
	if !body.Stale {
		t.Error("cached response should be marked stale")
	}
	if len(body.Messages) != 1 || body.Messages[0].Attributes.UID != 7 {
		t.Errorf("messages = %+v", body.Messages)
	}

	// Filtered fetches never fall back.
	rec = do(t, s.Handler(), "GET", "/v1/messages?limit=3", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("filtered fetch status = %d, want 504", rec.Code)
	}

	// Non-timeout failures are reported, not masked.
	mail.boxes["personal"].fetchErr = fmt.Errorf("%w: NO", email.ErrFetch)
	if rec := do(t, s.Handler(), "GET", "/v1/messages", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestReadMessage(t *testing.T) {
	s, mail := newTestServer(t)

	rec := do(t, s.Handler(), "GET", "/v1/messages/7?folder=INBOX", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if mail.boxes["personal"].readUID != 7 {
		t.Errorf("read uid = %d, want 7", mail.boxes["personal"].readUID)
	}

	for _, target := range []string{"/v1/messages/0", "/v1/messages/abc"} {
		if rec := do(t, s.Handler(), "GET", target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	mail.boxes["personal"].readErr = fmt.Errorf("%w: uid 9: %w", email.ErrFetch, email.ErrNotFound)
	if rec := do(t, s.Handler(), "GET", "/v1/messages/9", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", rec.Code)
	}
}

func TestAttachment(t *testing.T) {
	s, mail := newTestServer(t)
	box := mail.boxes["personal"]
	box.messages[0].Content.Attachments = []mimetree.Attachment{{
		Leaf: mimetree.Leaf{
			Type:              "application",
			Subtype:           "pdf",
			Encoding:          "base64",
			PartID:            "2",
			DispositionParams: map[string]string{"filename": "report.pdf"},
		},
		Data: "JVBERi0xLjQ=",
	}}

	rec := do(t, s.Handler(), "GET", "/v1/messages/7/attachments/0?folder=INBOX", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=report.pdf" {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "%PDF-1.4" {
		t.Errorf("body = %q, want decoded attachment", rec.Body.String())
	}

	if rec := do(t, s.Handler(), "GET", "/v1/messages/7/attachments/1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("out of range status = %d, want 404", rec.Code)
	}
	if rec := do(t, s.Handler(), "GET", "/v1/messages/7/attachments/x", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad index status = %d, want 400", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	s, mail := newTestServer(t)

	rec := do(t, s.Handler(), "GET", "/v1/search?folder=Archive&query=hello&limit=3&unseen=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Account  string           `json:"account"`
		Folder   string           `json:"folder"`
		Messages []email.Envelope `json:"messages"`
	}](t, rec)
	if body.Account != "personal" || body.Folder != "Archive" {
		t.Errorf("body = %+v", body)
	}
	if len(body.Messages) != 1 || body.Messages[0].UID != 7 {
		t.Errorf("messages = %+v", body.Messages)
	}

	got := mail.boxes["personal"].lastSearch
	if got.Query != "hello" || got.Limit != 3 || !got.Unseen || got.Folder != "Archive" || got.Account != "personal" {
		t.Errorf("search options = %+v", got)
	}

	rec = do(t, s.Handler(), "GET", "/v1/search?query=nothing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("no-match status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("no-match body = %s, want empty array", rec.Body.String())
	}

	for _, target := range []string{"/v1/search", "/v1/search?query=x&limit=-2", "/v1/search?before=soon"} {
		if rec := do(t, s.Handler(), "GET", target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestMoveAndFlags(t *testing.T) {
	s, mail := newTestServer(t)

	rec := do(t, s.Handler(), "POST", "/v1/messages/move", email.MoveOptions{
		UIDs: []uint32{1, 2}, Folder: "INBOX", Destination: "Archive", Account: "work",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("move status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := mail.boxes["work"].lastMove; got.Destination != "Archive" || len(got.UIDs) != 2 {
		t.Errorf("move = %+v", got)
	}

	rec = do(t, s.Handler(), "POST", "/v1/messages/flags", email.FlagAction{
		UIDs: []uint32{3}, Flags: []string{"Seen"}, Add: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("flags status = %d", rec.Code)
	}
	if got := mail.boxes["personal"].lastFlags; !got.Add || got.Flags[0] != "Seen" {
		t.Errorf("flags = %+v", got)
	}
}

func TestMoveAndFlags_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		target string
		body   any
	}{
		{"/v1/messages/move", email.MoveOptions{UIDs: []uint32{1}}},
		{"/v1/messages/move", email.MoveOptions{Destination: "Archive"}},
		{"/v1/messages/flags", email.FlagAction{UIDs: []uint32{1}}},
		{"/v1/messages/flags", map[string]any{"uids": []int{1}, "flags": []string{"Seen"}, "bogus": true}},
	}
	for _, tt := range tests {
		if rec := do(t, s.Handler(), "POST", tt.target, tt.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %+v: status = %d, want 400", tt.target, tt.body, rec.Code)
		}
	}
}

func TestSend(t *testing.T) {
	s, mail := newTestServer(t)

	rec := do(t, s.Handler(), "POST", "/v1/send", email.SendOptions{
		To: []string{"a@example.com"}, Subject: "hi", Body: "<p>hi</p>",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(mail.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mail.sent))
	}

	if rec := do(t, s.Handler(), "POST", "/v1/send", email.SendOptions{Subject: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("no recipients: status = %d, want 400", rec.Code)
	}
	if rec := do(t, s.Handler(), "POST", "/v1/send", email.SendOptions{To: []string{"a@example.com"}, Format: "rtf"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format: status = %d, want 400", rec.Code)
	}
}

func TestSend_Untrusted(t *testing.T) {
	s, mail := newTestServer(t)
	mail.sendErr = fmt.Errorf("%w: %w:\n%s", email.ErrSend, email.ErrUntrusted, "blocked: x@example.com: no contact record")

	rec := do(t, s.Handler(), "POST", "/v1/send", email.SendOptions{To: []string{"x@example.com"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "blocked: x@example.com: no contact record" {
		t.Errorf("message = %q", msg)
	}
}

func TestSend_Failure(t *testing.T) {
	s, mail := newTestServer(t)
	mail.sendErr = fmt.Errorf("%w: %w", email.ErrSend, errors.New("550 rejected"))

	rec := do(t, s.Handler(), "POST", "/v1/send", email.SendOptions{To: []string{"x@example.com"}})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Failed to send email" {
		t.Errorf("message = %q", msg)
	}
}

func TestPoll(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s.Handler(), "POST", "/v1/poll", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured poll status = %d, want 503", rec.Code)
	}

	s.SetPoller(func(context.Context) []email.NewMail {
		return []email.NewMail{{Account: "personal", Folder: "INBOX", Messages: []email.Envelope{{UID: 12}}}}
	})
	rec := do(t, s.Handler(), "POST", "/v1/poll", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string][]email.NewMail](t, rec)
	if len(body["new_mail"]) != 1 || body["new_mail"][0].Messages[0].UID != 12 {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), "GET", "/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cw := connwatch.NewManager(quietLogger())
	defer cw.Stop()
	w := cw.Watch(ctx, connwatch.WatcherConfig{
		Name:    "imap:personal",
		Probe:   func(context.Context) error { return errors.New("refused") },
		Backoff: connwatch.BackoffConfig{InitialDelay: time.Millisecond, MaxRetries: 1, PollInterval: time.Hour},
	})
	s.SetHealth(cw)
	deadline := time.Now().Add(time.Second)
	for w.LastError() == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	rec = do(t, s.Handler(), "GET", "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "imap:personal") {
		t.Errorf("health body missing service: %s", rec.Body.String())
	}

	rec = do(t, s.Handler(), "GET", "/v1/version", nil)
	if body := decode[map[string]string](t, rec); body["name"] != "mailroom" {
		t.Errorf("version body = %+v", body)
	}
}
