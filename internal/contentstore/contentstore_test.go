package contentstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"islandd/internal/store"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil)
	require.NoError(t, err)
	return s
}

func TestInternResolveRoundTrip(t *testing.T) {
	s := newMemStore(t)

	values := []string{
		"data:image/png;base64,iVBORw0KGgo=",
		"https://example.com/icon.png",
		"",
		"plain text value",
	}
	for _, v := range values {
		ref := s.Intern(v)
		assert.True(t, IsRef(ref), "Intern should return a ref for %q", v)
		assert.Equal(t, v, s.Resolve(ref))
	}
}

func TestInternIsIdempotent(t *testing.T) {
	s := newMemStore(t)

	ref1 := s.Intern("same value")
	ref2 := s.Intern("same value")
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestInternPassesThroughRefs(t *testing.T) {
	s := newMemStore(t)
	ref := s.Intern("value")
	assert.Equal(t, ref, s.Intern(ref), "interning a ref should not double-wrap")
}

func TestResolveUnknownPassesThrough(t *testing.T) {
	s := newMemStore(t)
	assert.Equal(t, "ref:deadbeef", s.Resolve("ref:deadbeef"))
	assert.Equal(t, "not a ref", s.Resolve("not a ref"))
}

func TestRebuildAndPruneDropsUnreferenced(t *testing.T) {
	s := newMemStore(t)

	// Back-date entries so the concurrent-intern guard does not keep them.
	base := time.Now().Add(-time.Minute)
	s.now = func() time.Time { return base }

	keep := s.Intern("keep me")
	drop := s.Intern("drop me")

	s.now = time.Now
	require.NoError(t, s.RebuildAndPrune([]string{keep}))

	assert.Equal(t, "keep me", s.Resolve(keep))
	assert.Equal(t, drop, s.Resolve(drop), "dropped entry should be unresolvable (passthrough)")
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestRebuildAndPruneZeroLiveRefs(t *testing.T) {
	s := newMemStore(t)

	base := time.Now().Add(-time.Minute)
	s.now = func() time.Time { return base }
	ref := s.Intern("orphan")

	s.now = time.Now
	require.NoError(t, s.RebuildAndPrune(nil))
	assert.Equal(t, ref, s.Resolve(ref))
	assert.Equal(t, 0, s.Stats().Entries)
}

func TestRebuildKeepsFreshlyInterned(t *testing.T) {
	s := newMemStore(t)

	// An entry interned "now" must survive a rebuild pass that holds no
	// reference to it yet.
	ref := s.Intern("just arrived")
	require.NoError(t, s.RebuildAndPrune(nil))
	assert.Equal(t, "just arrived", s.Resolve(ref))
}

func TestPruneByAge(t *testing.T) {
	s := newMemStore(t)

	old := time.Now().AddDate(0, 0, -30)
	s.now = func() time.Time { return old }
	oldRef := s.Intern("ancient")

	s.now = time.Now
	newRef := s.Intern("recent")

	require.NoError(t, s.Prune(100, 14))
	assert.Equal(t, oldRef, s.Resolve(oldRef), "aged-out entry should be gone")
	assert.Equal(t, "recent", s.Resolve(newRef))
}

func TestPruneByCountEvictsOldestFirst(t *testing.T) {
	s := newMemStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		s.Intern(fmt.Sprintf("value-%d", i))
	}
	s.now = time.Now

	require.NoError(t, s.Prune(4, 365))
	assert.Equal(t, 4, s.Stats().Entries)

	// Newest survive.
	for i := 6; i < 10; i++ {
		v := fmt.Sprintf("value-%d", i)
		assert.Equal(t, v, s.Resolve(RefPrefix+Digest(v)))
	}
}

func TestPruneNeverEvictsReferenced(t *testing.T) {
	s := newMemStore(t)

	old := time.Now().AddDate(0, 0, -60)
	s.now = func() time.Time { return old }
	ref := s.Intern("pinned")

	s.now = time.Now
	require.NoError(t, s.RebuildAndPrune([]string{ref}))
	require.NoError(t, s.Prune(0, 1))

	assert.Equal(t, "pinned", s.Resolve(ref), "referenced entry must survive any pressure")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "content.db")

	db, err := store.Open(dbPath)
	require.NoError(t, err)

	s, err := New(db)
	require.NoError(t, err)
	ref := s.Intern("persisted value")
	require.NoError(t, db.Close())

	db, err = store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	s2, err := New(db)
	require.NoError(t, err)
	assert.Equal(t, "persisted value", s2.Resolve(ref))
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
}
