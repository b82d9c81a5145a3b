package opstate

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}
	if val, _ := s.Get("ns", "key"); val != "v2" {
		t.Errorf("Get() = %q, want v2 after upsert", val)
	}

	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if val, _ := s.Get("ns", "key"); val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}
	if err := s.Delete("ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	_ = s.Set("ns", "a", "1")
	_ = s.Set("ns", "b", "2")
	_ = s.Set("other", "c", "3")

	result, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List("empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %#v, want empty non-nil map", empty)
	}
}

func TestMark(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.Mark("email_poll", "personal:INBOX"); err != nil || ok {
		t.Fatalf("Mark() on empty store = ok %v, err %v", ok, err)
	}

	_ = s.Set("email_poll", "personal:INBOX", "not-a-uid")
	if _, ok, err := s.Mark("email_poll", "personal:INBOX"); err != nil || ok {
		t.Errorf("Mark() of corrupt value = ok %v, err %v; want not ok", ok, err)
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		uid     uint32
		want    uint32
	}{
		{"first mark", "", 500, 500},
		{"increases", "100", 105, 105},
		{"never decreases", "391", 286, 391},
		{"equal", "42", 42, 42},
		{"numeric not lexical", "99", 100, 100},
		{"replaces corrupt", "garbage", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			if tt.initial != "" {
				if err := s.Set("ns", "k", tt.initial); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.Advance("ns", "k", tt.uid)
			if err != nil {
				t.Fatalf("Advance() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Advance(%d) over %q = %d, want %d", tt.uid, tt.initial, got, tt.want)
			}
		})
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/path/db.sqlite"); err == nil {
		t.Error("Open() should fail for invalid path")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if _, err := s1.Advance("email_poll", "work:INBOX", 4217); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	mark, ok, err := s2.Mark("email_poll", "work:INBOX")
	if err != nil || !ok || mark != 4217 {
		t.Errorf("Mark() after reopen = %d, %v, %v; want 4217", mark, ok, err)
	}
}
