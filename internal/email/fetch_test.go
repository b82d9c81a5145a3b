package email

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	testUser     = "jane@example.com"
	testPassword = "hunter2"
)

var qpMessage = "From: Alice <alice@example.com>\r\n" +
	"To: jane@example.com\r\n" +
	"Subject: Lunch\r\n" +
	"Date: Tue, 20 Feb 2026 12:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Caf=C3=A9\r\n"

var nestedMessage = "From: Bob <bob@example.com>\r\n" +
	"To: jane@example.com, Carol <carol@example.com>\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Wed, 21 Feb 2026 09:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>See attached.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"Content-ID: <abc123>\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer--\r\n"

// startTestServer runs an in-memory IMAP server holding INBOX (seeded
// with msgs in order) and an empty Archive folder, and returns a
// client configured against it.
func startTestServer(t *testing.T, msgs ...string) *Client {
	t.Helper()

	user := imapmemserver.NewUser(testUser, testPassword)
	for _, name := range []string{"INBOX", "Archive"} {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	for _, msg := range msgs {
		if _, err := user.Append("INBOX", strings.NewReader(msg), &imap.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	memServer := imapmemserver.New()
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(ln) }()

	c := NewClient(IMAPConfig{
		Host:           "127.0.0.1",
		Port:           ln.Addr().(*net.TCPAddr).Port,
		Username:       testUser,
		Password:       testPassword,
		ConnTimeoutSec: 5,
		AuthTimeoutSec: 5,
	}, 2, slog.Default())

	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFetchFolder_OrderAndHeaders(t *testing.T) {
	c := startTestServer(t, qpMessage, nestedMessage)
	ctx := testContext(t)

	msgs, err := c.FetchFolder(ctx, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchFolder() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("FetchFolder() returned %d messages, want 2", len(msgs))
	}
	for i, want := range []uint32{1, 2} {
		if msgs[i].Attributes.UID != want {
			t.Errorf("msgs[%d].UID = %d, want %d", i, msgs[i].Attributes.UID, want)
		}
	}

	h := msgs[1].Header
	if h.Subject != "Quarterly report" {
		t.Errorf("Subject = %q", h.Subject)
	}
	if len(h.From) != 1 || h.From[0] != "Bob <bob@example.com>" {
		t.Errorf("From = %v", h.From)
	}
	if len(h.To) != 2 || h.To[1] != "Carol <carol@example.com>" {
		t.Errorf("To = %v", h.To)
	}
	if want := time.Date(2026, 2, 21, 9, 30, 0, 0, time.UTC); !h.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", h.Date, want)
	}
}

func TestFetchFolder_DecodesSinglePart(t *testing.T) {
	c := startTestServer(t, qpMessage)

	msgs, err := c.FetchFolder(testContext(t), FetchOptions{Folder: "INBOX"})
	if err != nil {
		t.Fatalf("FetchFolder() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("FetchFolder() returned %d messages, want 1", len(msgs))
	}
	if got := msgs[0].Content.Text("plain"); strings.TrimRight(got, "\r\n") != "Café" {
		t.Errorf("plain text = %q, want %q", got, "Café")
	}
}

func TestFetchFolder_NestedMultipart(t *testing.T) {
	c := startTestServer(t, nestedMessage)

	msgs, err := c.FetchFolder(testContext(t), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchFolder() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("FetchFolder() returned %d messages, want 1", len(msgs))
	}

	content := msgs[0].Content
	if got := content.Text("plain"); !strings.Contains(got, "See attached.") {
		t.Errorf("plain text = %q", got)
	}
	if got := content.Text("html"); !strings.Contains(got, "<p>See attached.</p>") {
		t.Errorf("html text = %q", got)
	}

	if len(content.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(content.Attachments))
	}
	att := content.Attachments[0]
	if att.ID != "abc123" {
		t.Errorf("attachment ID = %q, want angle brackets removed", att.ID)
	}
	if att.MediaType() != "application/pdf" || att.Filename() != "report.pdf" {
		t.Errorf("attachment = %s %q", att.MediaType(), att.Filename())
	}
	b, err := att.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	if string(b) != "%PDF-1.4" {
		t.Errorf("Bytes() = %q, want %q", b, "%PDF-1.4")
	}
}

func TestFetchFolder_LeavesSeenUnset(t *testing.T) {
	c := startTestServer(t, qpMessage)
	ctx := testContext(t)

	for range 2 {
		msgs, err := c.FetchFolder(ctx, FetchOptions{})
		if err != nil {
			t.Fatalf("FetchFolder() error: %v", err)
		}
		if slices.Contains(msgs[0].Attributes.Flags, string(imap.FlagSeen)) {
			t.Fatalf("flags = %v, FetchFolder must not mark messages seen", msgs[0].Attributes.Flags)
		}
	}

	if _, err := c.ReadMessage(ctx, "", 1); err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}

	msgs, err := c.FetchFolder(ctx, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchFolder() error: %v", err)
	}
	if !slices.Contains(msgs[0].Attributes.Flags, string(imap.FlagSeen)) {
		t.Errorf("flags = %v, want \\Seen after ReadMessage", msgs[0].Attributes.Flags)
	}
}

func TestReadMessage_NotFound(t *testing.T) {
	c := startTestServer(t, qpMessage)

	_, err := c.ReadMessage(testContext(t), "INBOX", 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadMessage() error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, ErrFetch) {
		t.Errorf("ReadMessage() error = %v, want ErrFetch", err)
	}
}

func TestMoveMessages(t *testing.T) {
	c := startTestServer(t, qpMessage, nestedMessage)
	ctx := testContext(t)

	if err := c.MoveMessages(ctx, MoveOptions{UIDs: []uint32{1}, Destination: "Archive"}); err != nil {
		t.Fatalf("MoveMessages() error: %v", err)
	}

	inbox, err := c.FetchFolder(ctx, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchFolder(INBOX) error: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Header.Subject != "Quarterly report" {
		t.Errorf("INBOX after move = %d messages", len(inbox))
	}

	archive, err := c.FetchFolder(ctx, FetchOptions{Folder: "Archive"})
	if err != nil {
		t.Fatalf("FetchFolder(Archive) error: %v", err)
	}
	if len(archive) != 1 || archive[0].Header.Subject != "Lunch" {
		t.Errorf("Archive after move = %d messages", len(archive))
	}

	if err := c.MoveMessages(ctx, MoveOptions{UIDs: []uint32{2}}); err == nil {
		t.Error("MoveMessages() without destination should fail")
	}
}

func TestSetFlags(t *testing.T) {
	c := startTestServer(t, qpMessage)
	ctx := testContext(t)

	flagged := func() bool {
		t.Helper()
		msgs, err := c.FetchFolder(ctx, FetchOptions{})
		if err != nil {
			t.Fatalf("FetchFolder() error: %v", err)
		}
		return slices.Contains(msgs[0].Attributes.Flags, string(imap.FlagFlagged))
	}

	if err := c.SetFlags(ctx, FlagAction{UIDs: []uint32{1}, Flags: []string{"Flagged"}, Add: true}); err != nil {
		t.Fatalf("SetFlags(add) error: %v", err)
	}
	if !flagged() {
		t.Error("\\Flagged not set after add")
	}

	if err := c.SetFlags(ctx, FlagAction{UIDs: []uint32{1}, Flags: []string{"\\Flagged"}}); err != nil {
		t.Fatalf("SetFlags(remove) error: %v", err)
	}
	if flagged() {
		t.Error("\\Flagged still set after remove")
	}
}

func TestSearchMessages(t *testing.T) {
	c := startTestServer(t, qpMessage, nestedMessage)
	ctx := testContext(t)

	got, err := c.SearchMessages(ctx, SearchOptions{Query: "Quarterly"})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if len(got) != 1 || got[0].UID != 2 {
		t.Fatalf("SearchMessages(Quarterly) = %+v, want UID 2", got)
	}

	got, err = c.SearchMessages(ctx, SearchOptions{From: "alice"})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if len(got) != 1 || got[0].Subject != "Lunch" {
		t.Errorf("SearchMessages(from alice) = %+v", got)
	}

	got, err = c.SearchMessages(ctx, SearchOptions{Query: "no such text anywhere"})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("SearchMessages(no match) = %+v, want none", got)
	}
}
