package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"islandd/internal/config"
	"islandd/internal/store"
)

func testEngine(t *testing.T, cancel func(string)) (*Engine, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default().Dedup
	return NewEngine(cfg, db, nil, cancel, nil), db
}

func TestNormalizeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"(Mail) New message", "New message"},
		{"Plain title", "Plain title"},
		{"(unclosed prefix", "(unclosed prefix"},
		{"(A) (B) nested", "(B) nested"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeTitle(c.in); got != c.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExactCacheSuppressesWithinWindow(t *testing.T) {
	e, _ := testEngine(t, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	c := &Candidate{Title: "T", Text: "X", Time: base.UnixMilli()}
	if v := e.CheckAndRegister(c); v != ShowWithMonitoring {
		t.Fatalf("first check = %v, want show_with_monitoring", v)
	}
	if v := e.CheckAndRegister(c); v != Suppress {
		t.Errorf("second check inside window = %v, want suppress", v)
	}

	// Past the window the same content is a new notification.
	base = base.Add(11 * time.Second)
	c.Time = base.UnixMilli()
	if v := e.CheckAndRegister(c); v != ShowWithMonitoring {
		t.Errorf("check after window = %v, want show_with_monitoring", v)
	}
}

func TestExactCacheMatchesNormalizedTitle(t *testing.T) {
	e, _ := testEngine(t, nil)

	e.CheckAndRegister(&Candidate{Title: "New message", Text: "X", Time: time.Now().UnixMilli()})
	v := e.CheckAndRegister(&Candidate{Title: "(Mail) New message", Text: "X", Time: time.Now().UnixMilli()})
	if v != Suppress {
		t.Errorf("retitled duplicate = %v, want suppress", v)
	}
}

func TestHistorySuppressesWithinTolerance(t *testing.T) {
	e, _ := testEngine(t, nil)
	base := time.Now()
	e.now = func() time.Time { return base }
	now := base.UnixMilli()

	err := e.RecordLocal(&Candidate{
		Key: "k1", PackageName: "com.mail", Title: "New message", Text: "X", Time: now,
	})
	if err != nil {
		t.Fatalf("record local: %v", err)
	}

	// Relayed copy 3 s later, retitled with the origin app name.
	v := e.CheckAndRegister(&Candidate{
		Title: "(Mail) New message", Text: "X", Time: now + 3000,
	})
	if v != Suppress {
		t.Errorf("relayed duplicate = %v, want suppress", v)
	}

	// Outside the 5 s tolerance it is distinct. Advance the clock so
	// the exact cache entry from the relayed copy has expired too.
	base = base.Add(11 * time.Second)
	v = e.CheckAndRegister(&Candidate{
		Title: "(Mail) New message", Text: "X", Time: now + 8000,
	})
	if v != ShowWithMonitoring {
		t.Errorf("late arrival = %v, want show_with_monitoring", v)
	}
}

func TestEmptyContentShowsImmediately(t *testing.T) {
	e, _ := testEngine(t, nil)
	v := e.CheckAndRegister(&Candidate{PackageName: "p", Time: time.Now().UnixMilli()})
	if v != ShowImmediately {
		t.Errorf("empty candidate = %v, want show", v)
	}
}

func TestMonitorWithdrawsLateDuplicate(t *testing.T) {
	var cancelled []string
	e, _ := testEngine(t, func(id string) { cancelled = append(cancelled, id) })

	c := &Candidate{Title: "New message", Text: "X", PackageName: "com.mail", Time: time.Now().UnixMilli()}
	e.RegisterWithdrawal("notif-1", c)

	// Nothing local yet: sweep leaves the entry alone.
	e.sweep()
	if len(cancelled) != 0 || e.PendingCount() != 1 {
		t.Fatalf("premature withdrawal: cancelled=%v pending=%d", cancelled, e.PendingCount())
	}

	// The local duplicate arrives late.
	if err := e.RecordLocal(&Candidate{
		Key: "k1", PackageName: "com.mail", Title: "New message", Text: "X",
		Time: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("record local: %v", err)
	}

	e.sweep()
	if len(cancelled) != 1 || cancelled[0] != "notif-1" {
		t.Errorf("expected notif-1 withdrawn, got %v", cancelled)
	}
	if e.PendingCount() != 0 {
		t.Errorf("entry not removed after withdrawal")
	}
}

func TestMonitorDropsExpiredEntriesWithoutCancel(t *testing.T) {
	var cancelled []string
	e, _ := testEngine(t, func(id string) { cancelled = append(cancelled, id) })

	base := time.Now()
	e.now = func() time.Time { return base }
	e.RegisterWithdrawal("notif-1", &Candidate{Title: "T", Text: "X", Time: base.UnixMilli()})

	// Past the 15 s window the entry times out unconditionally.
	base = base.Add(16 * time.Second)
	e.sweep()

	if e.PendingCount() != 0 {
		t.Errorf("expired entry not dropped")
	}
	if len(cancelled) != 0 {
		t.Errorf("timeout must not cancel, got %v", cancelled)
	}
}

func lockedTestEngine(t *testing.T, delaySecs int) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default().Dedup
	cfg.LockDelaySecs = delaySecs
	return NewEngine(cfg, db, func() bool { return true }, nil, nil)
}

func TestDelayedShowFiresWithoutDuplicate(t *testing.T) {
	e := lockedTestEngine(t, 0)

	shown := make(chan struct{}, 1)
	c := &Candidate{
		Title: "New message", Text: "X", PackageName: "com.mail",
		Time: time.Now().UnixMilli(), NeedsDelay: true,
	}
	e.ScheduleDelayed(context.Background(), c, func(*Candidate) { shown <- struct{}{} })

	select {
	case <-shown:
	case <-time.After(time.Second):
		t.Error("delayed display never fired")
	}
}

func TestDelayedShowSkipsDuplicateFromAnywhereInWait(t *testing.T) {
	e := lockedTestEngine(t, 1)

	shown := make(chan struct{}, 1)
	c := &Candidate{
		Title: "New message", Text: "X", PackageName: "com.mail",
		Time: time.Now().UnixMilli(), NeedsDelay: true,
	}
	e.ScheduleDelayed(context.Background(), c, func(*Candidate) { shown <- struct{}{} })

	// The local copy lands midway through the wait, well past the
	// arrival-time tolerance.
	err := e.RecordLocal(&Candidate{
		Key: "k1", PackageName: "com.mail", Title: "New message", Text: "X",
		Time: c.Time + 8000,
	})
	if err != nil {
		t.Fatalf("record local: %v", err)
	}

	select {
	case <-shown:
		t.Error("delayed display fired despite a duplicate during the wait")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestDelayedShowIsImmediateWhenUnlocked(t *testing.T) {
	e, _ := testEngine(t, nil)

	called := false
	c := &Candidate{Title: "T", Text: "X", Time: time.Now().UnixMilli(), NeedsDelay: true}
	e.ScheduleDelayed(context.Background(), c, func(*Candidate) { called = true })
	if !called {
		t.Error("unlocked candidate must display synchronously")
	}
}

func TestPruneLogDropsOldRows(t *testing.T) {
	e, db := testEngine(t, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	for _, c := range []*Candidate{
		{Key: "k-old", Title: "Old", Text: "X", Time: base.Add(-48 * time.Hour).UnixMilli()},
		{Key: "k-new", Title: "New", Text: "X", Time: base.UnixMilli()},
	} {
		if err := e.RecordLocal(c); err != nil {
			t.Fatalf("record local: %v", err)
		}
	}

	n, err := e.PruneLog(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune log: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	rows, err := db.RecentNotifications(LocalDevice, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "k-new" {
		t.Errorf("unexpected survivors: %+v", rows)
	}
}

func TestVerdictString(t *testing.T) {
	if Suppress.String() != "suppress" || ShowWithMonitoring.String() != "show_with_monitoring" {
		t.Error("verdict names changed")
	}
}
