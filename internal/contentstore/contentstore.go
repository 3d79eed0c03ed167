// Package contentstore implements content-addressed storage for
// notification image payloads. Values (data URLs or remote URLs) are
// interned under their SHA-256 digest and referenced everywhere else as
// "ref:<digest>" strings, so identical images are stored and transmitted
// once. Entries are reference counted; garbage collection never removes
// an entry that a live island state or history entry still references.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"islandd/internal/store"
)

// RefPrefix marks a content reference.
const RefPrefix = "ref:"

// IsRef reports whether s is a content reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefPrefix)
}

// Digest returns the SHA-256 hex digest of value.
func Digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	value    string
	refCount int
	lastSeen time.Time
}

// Stats summarizes store contents.
type Stats struct {
	Entries    int
	Referenced int
}

// Store holds interned content. All operations are serialized by a
// single mutex; no lock is held across database writes' callers.
type Store struct {
	mu      sync.Mutex
	db      *store.Store // nil in tests without persistence
	entries map[string]*entry
	now     func() time.Time
}

// New creates a content store, loading any persisted blobs. db may be
// nil for an in-memory store.
func New(db *store.Store) (*Store, error) {
	s := &Store{
		db:      db,
		entries: make(map[string]*entry),
		now:     time.Now,
	}

	if db != nil {
		blobs, err := db.ListBlobs()
		if err != nil {
			return nil, err
		}
		for _, b := range blobs {
			s.entries[b.Digest] = &entry{
				value:    b.Value,
				refCount: b.RefCount,
				lastSeen: time.UnixMilli(b.LastSeen),
			}
		}
	}

	return s, nil
}

// Intern stores value if unseen and returns its reference. Interning an
// already-stored value refreshes its last-seen timestamp and never
// duplicates storage. Interning something that is already a reference
// returns it unchanged.
func (s *Store) Intern(value string) string {
	if IsRef(value) {
		return value
	}

	digest := Digest(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[digest]
	if !ok {
		e = &entry{value: value}
		s.entries[digest] = e
	}
	e.lastSeen = s.now()
	s.persist(digest, e)

	return RefPrefix + digest
}

// Resolve returns the stored value for a reference. Unknown references
// and plain values pass through unchanged.
func (s *Store) Resolve(ref string) string {
	if !IsRef(ref) {
		return ref
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[strings.TrimPrefix(ref, RefPrefix)]; ok {
		return e.value
	}
	return ref
}

// Contains reports whether a reference resolves to a stored value.
func (s *Store) Contains(ref string) bool {
	if !IsRef(ref) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[strings.TrimPrefix(ref, RefPrefix)]
	return ok
}

// rebuildGrace keeps freshly interned entries alive through a rebuild
// pass whose live-reference snapshot predates them.
const rebuildGrace = 30 * time.Second

// RebuildAndPrune recomputes reference counts from the full set of live
// references and deletes entries no longer referenced. An entry interned
// within the grace window is kept even at zero references, so a value
// interned while the live set was being collected is never undone.
func (s *Store) RebuildAndPrune(live []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()

	counts := make(map[string]int)
	for _, ref := range live {
		if IsRef(ref) {
			counts[strings.TrimPrefix(ref, RefPrefix)]++
		}
	}

	for digest, e := range s.entries {
		e.refCount = counts[digest]
		if e.refCount == 0 && start.Sub(e.lastSeen) > rebuildGrace {
			delete(s.entries, digest)
			s.remove(digest)
			continue
		}
		s.persist(digest, e)
	}

	return nil
}

// Prune runs the two-phase size/age GC: first delete zero-reference
// entries older than maxAgeDays, then evict zero-reference entries
// oldest-first until under maxEntries. Referenced entries are never
// evicted.
func (s *Store) Prune(maxEntries, maxAgeDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	for digest, e := range s.entries {
		if e.refCount == 0 && e.lastSeen.Before(cutoff) {
			delete(s.entries, digest)
			s.remove(digest)
		}
	}

	if maxEntries <= 0 || len(s.entries) <= maxEntries {
		return nil
	}

	type aged struct {
		digest   string
		lastSeen time.Time
	}
	var evictable []aged
	for digest, e := range s.entries {
		if e.refCount == 0 {
			evictable = append(evictable, aged{digest, e.lastSeen})
		}
	}
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].lastSeen.Before(evictable[j].lastSeen)
	})

	for _, a := range evictable {
		if len(s.entries) <= maxEntries {
			break
		}
		delete(s.entries, a.digest)
		s.remove(a.digest)
	}

	return nil
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Entries: len(s.entries)}
	for _, e := range s.entries {
		if e.refCount > 0 {
			st.Referenced++
		}
	}
	return st
}

// persist and remove are called with the mutex held; sqlite serializes
// writers internally so the hold is short.

func (s *Store) persist(digest string, e *entry) {
	if s.db == nil {
		return
	}
	_ = s.db.UpsertBlob(&store.Blob{
		Digest:   digest,
		Value:    e.value,
		RefCount: e.refCount,
		LastSeen: e.lastSeen.UnixMilli(),
	})
}

func (s *Store) remove(digest string) {
	if s.db == nil {
		return
	}
	_ = s.db.DeleteBlob(digest)
}
