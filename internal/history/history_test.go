package history

import (
	"path/filepath"
	"testing"
	"time"

	"islandd/internal/contentstore"
	"islandd/internal/store"
)

func testLog(t *testing.T, maxEntries int) (*Log, *contentstore.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	content, err := contentstore.New(db)
	if err != nil {
		t.Fatalf("open content store: %v", err)
	}
	return NewLog(db, content, maxEntries, nil), content
}

func TestAppendAndList(t *testing.T) {
	l, _ := testLog(t, 10)

	err := l.Append(&Entry{
		SourceDeviceUUID: "dev-a",
		OriginalPackage:  "com.music",
		MappedPackage:    "com.music.local",
		AppName:          "Music",
		Title:            "Song",
		Text:             "Artist",
		FeatureID:        "f1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := l.Entries(10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Title != "Song" || entries[0].MappedPackage != "com.music.local" {
		t.Errorf("entry mismatch: %+v", entries[0])
	}
}

func TestAppendCoalescesIdenticalContent(t *testing.T) {
	l, _ := testLog(t, 10)

	base := time.Now()
	l.now = func() time.Time { return base }
	e := &Entry{FeatureID: "f1", Title: "Song", Text: "Artist"}
	if err := l.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Identical content again: latest wins, no new row.
	l.now = func() time.Time { return base.Add(time.Minute) }
	if err := l.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, _ := l.Entries(10)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 coalesced", len(entries))
	}
	if got := entries[0].CreatedAt; !got.After(base) {
		t.Errorf("coalesced row kept old timestamp %v", got)
	}
}

func TestAppendKeepsDistinctRevisions(t *testing.T) {
	l, _ := testLog(t, 10)

	if err := l.Append(&Entry{FeatureID: "f1", Title: "Song1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(&Entry{FeatureID: "f1", Title: "Song2"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, _ := l.Entries(10)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 revisions", len(entries))
	}
}

func TestAppendInternsImages(t *testing.T) {
	l, content := testLog(t, 10)

	err := l.Append(&Entry{
		FeatureID: "f1",
		Title:     "T",
		Images:    map[string]string{"icon": "raw-image-bytes"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, _ := l.Entries(10)
	ref := entries[0].Images["icon"]
	if !contentstore.IsRef(ref) {
		t.Fatalf("image not interned: %q", ref)
	}
	if got := l.Resolve(ref); got != "raw-image-bytes" {
		t.Errorf("Resolve(%q) = %q", ref, got)
	}
	if !content.Contains(ref) {
		t.Error("content store missing interned image")
	}
}

func TestLiveRefs(t *testing.T) {
	l, _ := testLog(t, 10)

	if err := l.Append(&Entry{
		FeatureID: "f1",
		Title:     "T",
		Images:    map[string]string{"a": "img-a", "b": "img-b"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	refs, err := l.LiveRefs()
	if err != nil {
		t.Fatalf("live refs: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("got %d refs, want 2", len(refs))
	}
}

func TestTrimEnforcesCap(t *testing.T) {
	l, _ := testLog(t, 3)

	base := time.Now()
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Second
		l.now = func() time.Time { return base.Add(offset) }
		if err := l.Append(&Entry{FeatureID: "f", Title: "T", Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, _ := l.Entries(0)
	if len(entries) != 3 {
		t.Errorf("got %d entries, want cap of 3", len(entries))
	}
	// Newest first, oldest trimmed.
	if entries[0].Text != "e" {
		t.Errorf("newest entry text = %q, want %q", entries[0].Text, "e")
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	l, _ := testLog(t, 10)

	updates, cancel := l.Subscribe()
	defer cancel()

	if err := l.Append(&Entry{FeatureID: "f1", Title: "T"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case entries := <-updates:
		if len(entries) != 1 || entries[0].Title != "T" {
			t.Errorf("snapshot mismatch: %+v", entries)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}
