package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/mimetree"
	"github.com/nugget/mailroom/internal/opstate"
)

// openManager loads the config and builds an email manager for a
// one-shot command. Logs go to stderr so stdout carries only results.
func openManager(stderr io.Writer, opts options) (*config.Config, *email.Manager, *slog.Logger, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := configuredLogger(stderr, cfg)
	if !cfg.Email.Configured() {
		return nil, nil, nil, fmt.Errorf("no email accounts configured")
	}
	return cfg, email.NewManager(cfg.Email, logger), logger, nil
}

func parseUIDs(args []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid uid: %q", a)
		}
		uids = append(uids, uint32(n))
	}
	return uids, nil
}

func runFolders(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	folders, err := client.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, folders)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tMESSAGES\tUNSEEN")
	for _, f := range folders {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", f.Name, f.Messages, f.Unseen)
	}
	return tw.Flush()
}

func runFetch(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("usage: mailroom fetch [folder] [limit]")
	}
	fetch := email.FetchOptions{Folder: "INBOX", Account: opts.account}
	if len(args) > 0 {
		fetch.Folder = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit: %q", args[1])
		}
		fetch.Limit = n
	}

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	msgs, err := client.FetchFolder(ctx, fetch)
	if err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, msgs)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tDATE\tFROM\tSUBJECT\tATTACHMENTS")
	for _, m := range msgs {
		attachments := 0
		if m.Content != nil {
			attachments = len(m.Content.Attachments)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n",
			m.Attributes.UID,
			m.Header.Date.Format("2006-01-02 15:04"),
			strings.Join(m.Header.From, ", "),
			m.Header.Subject,
			attachments,
		)
	}
	return tw.Flush()
}

func runRead(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	uids, err := parseUIDs(args[1:])
	if err != nil {
		return err
	}

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	msg, err := client.ReadMessage(ctx, args[0], uids[0])
	if err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, msg)
	}
	fmt.Fprintf(stdout, "From:    %s\n", strings.Join(msg.Header.From, ", "))
	fmt.Fprintf(stdout, "To:      %s\n", strings.Join(msg.Header.To, ", "))
	fmt.Fprintf(stdout, "Date:    %s\n", msg.Header.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(stdout, "Subject: %s\n", msg.Header.Subject)
	fmt.Fprintln(stdout)

	if msg.Content == nil {
		return nil
	}
	body := msg.Content.Text("plain")
	if body == "" {
		if html := msg.Content.Text("html"); html != "" {
			body = email.HTMLToText(html)
		}
	}
	fmt.Fprintln(stdout, strings.TrimRight(body, "\r\n"))

	if len(msg.Content.Attachments) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Attachments:")
		for i := range msg.Content.Attachments {
			a := &msg.Content.Attachments[i]
			name := a.Filename()
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(stdout, "  %s  %s  %d bytes\n", name, a.MediaType(), a.Size)
		}
	}

	if opts.saveDir != "" {
		saved, err := saveAttachments(opts.saveDir, msg.Content.Attachments)
		for _, path := range saved {
			fmt.Fprintf(stdout, "Saved %s\n", path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// saveAttachments writes each attachment, decoded, into dir and returns
// the paths written. Names are reduced to their base element so a
// crafted filename cannot escape dir; unnamed parts are named after
// their section. An existing file is never overwritten.
func saveAttachments(dir string, atts []mimetree.Attachment) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	var saved []string
	for i := range atts {
		a := &atts[i]
		data, err := a.Bytes()
		if err != nil {
			return saved, err
		}

		name := filepath.Base(filepath.Clean("/" + a.Filename()))
		if name == "/" || name == "." {
			name = "part-" + strings.ReplaceAll(a.PartID, ".", "-")
			if a.PartID == "" {
				name = fmt.Sprintf("attachment-%d", i+1)
			}
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err != nil {
			return saved, fmt.Errorf("save attachment: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return saved, fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return saved, fmt.Errorf("close %s: %w", path, err)
		}
		saved = append(saved, path)
	}
	return saved, nil
}

// runSearch lists envelopes in a folder whose headers or body contain
// the given text, newest first.
func runSearch(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	search := email.SearchOptions{
		Folder:  args[0],
		Query:   strings.Join(args[1:], " "),
		Account: opts.account,
	}

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	found, err := client.SearchMessages(ctx, search)
	if err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		if found == nil {
			found = []email.Envelope{}
		}
		return writeJSON(stdout, found)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tDATE\tFROM\tSUBJECT")
	for _, e := range found {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.UID, e.Date.Format("2006-01-02 15:04"), e.From, e.Subject)
	}
	return tw.Flush()
}

func runMove(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	uids, err := parseUIDs(args[2:])
	if err != nil {
		return err
	}

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	if err := client.MoveMessages(ctx, email.MoveOptions{
		UIDs:        uids,
		Folder:      args[0],
		Destination: args[1],
	}); err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"moved": uids, "from": args[0], "to": args[1]})
	}
	fmt.Fprintf(stdout, "Moved %d message(s) from %s to %s\n", len(uids), args[0], args[1])
	return nil
}

func runFlags(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var add bool
	switch args[1] {
	case "add":
		add = true
	case "remove":
		add = false
	default:
		return fmt.Errorf("unknown flag action: %q (expected add or remove)", args[1])
	}
	uids, err := parseUIDs(args[2:3])
	if err != nil {
		return err
	}
	flags := args[3:]

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	client, err := manager.Account(opts.account)
	if err != nil {
		return err
	}
	if err := client.SetFlags(ctx, email.FlagAction{
		UIDs:   uids,
		Folder: args[0],
		Flags:  flags,
		Add:    add,
	}); err != nil {
		return fmt.Errorf("%s: %w", email.UserMessage(err), err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"uid": uids[0], "flags": flags, "add": add})
	}
	fmt.Fprintf(stdout, "Updated flags on message %d\n", uids[0])
	return nil
}

func runSend(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	body, err := os.ReadFile(args[2])
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	format := email.BodyHTML
	if ext := strings.ToLower(filepath.Ext(args[2])); ext == ".md" || ext == ".markdown" {
		format = email.BodyMarkdown
	}

	var to []string
	for _, addr := range strings.Split(args[0], ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients given")
	}

	_, manager, _, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Send(ctx, email.SendOptions{
		To:        to,
		Subject:   args[1],
		Body:      string(body),
		Format:    format,
		Confirmed: opts.confirm,
		Account:   opts.account,
	}); err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"sent": true, "to": to})
	}
	fmt.Fprintf(stdout, "Sent to %s\n", strings.Join(to, ", "))
	return nil
}

// runPoll performs a single new-mail check against the same watermark
// store the server uses, so a manual poll advances the server's state.
func runPoll(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, manager, logger, err := openManager(stderr, opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	state, err := opstate.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return err
	}
	defer state.Close()

	poller := email.NewPoller(manager, state, logger)
	found := poller.Poll(ctx)

	if opts.outputFmt == "json" {
		if found == nil {
			found = []email.NewMail{}
		}
		return writeJSON(stdout, found)
	}
	if len(found) == 0 {
		fmt.Fprintln(stdout, "No new mail")
		return nil
	}
	for _, nm := range found {
		fmt.Fprintf(stdout, "%s: %d new message(s)\n", nm.Account, len(nm.Messages))
		for _, m := range nm.Messages {
			fmt.Fprintf(stdout, "  %d  %s  %s\n", m.UID, m.From, m.Subject)
		}
	}
	return nil
}
