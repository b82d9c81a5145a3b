package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/mimetree"
)

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runArgs(t, args...)
		if err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out, "Usage: mailroom") {
			t.Errorf("run(%v) output missing usage line:\n%s", args, out)
		}
	}
}

func TestRun_VersionText(t *testing.T) {
	out, err := runArgs(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, buildinfo.Name+" ") {
		t.Errorf("version output = %q, want prefix %q", out, buildinfo.Name+" ")
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("version output missing go_version:\n%s", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	out, err := runArgs(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out)
	}
	if info["name"] != buildinfo.Name {
		t.Errorf("name = %q, want %q", info["name"], buildinfo.Name)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose"}, "unknown flag"},
		{"bad output format", []string{"--output=yaml", "version"}, "unknown output format"},
		{"read arity", []string{"read", "INBOX"}, "usage: mailroom read"},
		{"read save arity", []string{"read", "-save", "out", "INBOX"}, "usage: mailroom read"},
		{"search arity", []string{"search", "INBOX"}, "usage: mailroom search"},
		{"move arity", []string{"move", "INBOX", "Archive"}, "usage: mailroom move"},
		{"flags arity", []string{"flags", "INBOX", "add", "4"}, "usage: mailroom flags"},
		{"send arity", []string{"send", "a@example.com", "hi"}, "usage: mailroom send"},
		{"fetch arity", []string{"fetch", "INBOX", "5", "extra"}, "usage: mailroom fetch"},
		{"fetch bad limit", []string{"fetch", "INBOX", "many"}, "invalid limit"},
		{"read bad uid", []string{"read", "INBOX", "abc"}, "invalid uid"},
		{"move zero uid", []string{"move", "INBOX", "Archive", "0"}, "invalid uid"},
		{"flags bad action", []string{"flags", "INBOX", "toggle", "4", "Seen"}, "unknown flag action"},
		{"send missing body", []string{"send", "a@example.com", "hi", "/nonexistent/body.md"}, "read body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runArgs(t, tt.args...)
			if err == nil {
				t.Fatalf("run(%v) should fail", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %q, want it to contain %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_NoAccountsConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\nemail:\n  accounts: []\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{"serve", "folders", "poll"} {
		_, err := runArgs(t, "-config", path, cmd)
		if err == nil || !strings.Contains(err.Error(), "no email accounts configured") {
			t.Errorf("%s error = %v, want no email accounts configured", cmd, err)
		}
	}
}

func TestRun_MissingConfig(t *testing.T) {
	_, err := runArgs(t, "-config=/nonexistent/config.yaml", "folders")
	if err == nil {
		t.Fatal("folders with missing config should fail")
	}
}

func TestParseUIDs(t *testing.T) {
	got, err := parseUIDs([]string{"3", "17", "4294967295"})
	if err != nil {
		t.Fatalf("parseUIDs error: %v", err)
	}
	want := []uint32{3, 17, 4294967295}
	if len(got) != len(want) {
		t.Fatalf("parseUIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseUIDs[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"-1", "4294967296", "x", "0"} {
		if _, err := parseUIDs([]string{bad}); err == nil {
			t.Errorf("parseUIDs(%q) should fail", bad)
		}
	}
}

func TestSaveAttachments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	atts := []mimetree.Attachment{
		{
			Leaf: mimetree.Leaf{
				Type: "application", Subtype: "pdf", Encoding: "base64", PartID: "2",
				DispositionParams: map[string]string{"filename": "report.pdf"},
			},
			Data: "JVBERi0xLjQ=",
		},
		{
			Leaf: mimetree.Leaf{
				Type: "text", Subtype: "calendar", Encoding: "7bit", PartID: "3",
				Params: map[string]string{"name": "../../escape.ics"},
			},
			Data: "BEGIN:VCALENDAR",
		},
		{
			Leaf: mimetree.Leaf{Type: "image", Subtype: "png", PartID: "1.4"},
			Data: "png",
		},
	}

	saved, err := saveAttachments(dir, atts)
	if err != nil {
		t.Fatalf("saveAttachments error: %v", err)
	}
	want := map[string]string{
		"report.pdf": "%PDF-1.4",
		"escape.ics": "BEGIN:VCALENDAR",
		"part-1-4":   "png",
	}
	if len(saved) != len(want) {
		t.Fatalf("saved = %v, want %d files", saved, len(want))
	}
	for name, body := range want {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("read %s: %v", name, err)
			continue
		}
		if string(got) != body {
			t.Errorf("%s = %q, want %q", name, got, body)
		}
	}

	if _, err := saveAttachments(dir, atts[:1]); err == nil {
		t.Error("saveAttachments should refuse to overwrite an existing file")
	}
}
