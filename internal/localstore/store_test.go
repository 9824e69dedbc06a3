package localstore

import (
	"path/filepath"
	"testing"
	"time"

	"knowtis/collab/internal/crdt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func captureUpdates(doc *crdt.Doc) *[][]byte {
	var out [][]byte
	doc.OnUpdate(func(u []byte, _ crdt.Origin) { out = append(out, u) })
	return &out
}

func waitSynced(t *testing.T, b *Binding) {
	t.Helper()
	select {
	case <-b.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("binding never synced")
	}
}

func TestAppendAndLoadPreserveOrder(t *testing.T) {
	s := openTestStore(t)
	for i, u := range [][]byte{{1}, {2}, {3}} {
		n, err := s.AppendUpdate("doc", u)
		if err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
		if n != i+1 {
			t.Fatalf("log length = %d, want %d", n, i+1)
		}
	}
	got, err := s.LoadUpdates("doc")
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(got) != 3 || got[0][0] != 1 || got[2][0] != 3 {
		t.Fatalf("unexpected log: %v", got)
	}

	empty, err := s.LoadUpdates("other")
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown document: %v, %v", empty, err)
	}
}

func TestCompactMergesLog(t *testing.T) {
	s := openTestStore(t)
	doc := crdt.NewDoc()
	updates := captureUpdates(doc)
	text := doc.Text(crdt.ContentRoot)
	for _, part := range []string{"a", "b", "c"} {
		if err := text.Insert(text.Len(), part); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for _, u := range *updates {
		if _, err := s.AppendUpdate("doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}

	if err := s.Compact("doc"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	log, err := s.LoadUpdates("doc")
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(log))
	}
	got, err := crdt.ReadText(log[0], crdt.ContentRoot)
	if err != nil {
		t.Fatalf("ReadText() error = %v", err)
	}
	if got != "abc" {
		t.Fatalf("merged text = %q", got)
	}

	n, err := s.AppendUpdate("doc", []byte{})
	if err != nil || n != 2 {
		t.Fatalf("append after compact: n=%d err=%v", n, err)
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AppendUpdate("doc", []byte{1}); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	if err := s.Clear("doc"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear("doc"); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	log, _ := s.LoadUpdates("doc")
	if len(log) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(log))
	}
}

func TestBindingReplaysAndRecords(t *testing.T) {
	s := openTestStore(t)

	first := crdt.NewDoc()
	b1 := s.Bind(first, "note")
	waitSynced(t, b1)
	if err := first.Text(crdt.ContentRoot).Insert(0, "offline"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b1.Close()

	// Edits after Close are not recorded.
	if err := first.Text(crdt.ContentRoot).Insert(0, "x"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	second := crdt.NewDoc()
	replayed := captureUpdates(second)
	b2 := s.Bind(second, "note")
	waitSynced(t, b2)
	defer b2.Close()

	if got := second.Text(crdt.ContentRoot).String(); got != "offline" {
		t.Fatalf("replayed text = %q", got)
	}
	if len(*replayed) == 0 {
		t.Fatal("replay should emit updates")
	}

	log, err := s.LoadUpdates("note")
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("replayed updates must not be recorded again, log has %d entries", len(log))
	}
}

func TestBindingCompactsAfterThreshold(t *testing.T) {
	s := openTestStore(t)
	doc := crdt.NewDoc()
	b := s.Bind(doc, "note", WithCompactAfter(3))
	waitSynced(t, b)
	defer b.Close()

	text := doc.Text(crdt.ContentRoot)
	for i := 0; i < 3; i++ {
		if err := text.Insert(text.Len(), "z"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	log, err := s.LoadUpdates("note")
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("expected compacted log, got %d entries", len(log))
	}
	got, _ := crdt.ReadText(log[0], crdt.ContentRoot)
	if got != "zzz" {
		t.Fatalf("compacted text = %q", got)
	}
}
