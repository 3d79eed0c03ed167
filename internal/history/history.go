// Package history keeps the append-only log of merged remote
// sessions. Entries reference images through the content store rather
// than embedding them.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"islandd/internal/contentstore"
	"islandd/internal/logging"
	"islandd/internal/store"
)

// Entry is one logged session snapshot.
type Entry struct {
	ID               int64
	SourceDeviceUUID string
	OriginalPackage  string
	MappedPackage    string
	AppName          string
	Title            string
	Text             string
	RichPayloadRaw   string
	Images           map[string]string // display key -> content ref
	FeatureID        string
	CreatedAt        time.Time
}

// Log is the history store. Appends coalesce: a snapshot with the same
// feature id and identical content replaces the previous one (latest
// wins); different content under the same feature id is kept as a
// distinct revision.
type Log struct {
	db         *store.Store
	content    *contentstore.Store
	logger     *logging.Logger
	maxEntries int
	now        func() time.Time

	mu     sync.Mutex
	subs   map[int]chan []Entry
	nextID int
}

// NewLog creates a history log capped at maxEntries rows.
func NewLog(db *store.Store, content *contentstore.Store, maxEntries int, logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.Default()
	}
	return &Log{
		db:         db,
		content:    content,
		logger:     logger.WithComponent("history"),
		maxEntries: maxEntries,
		now:        time.Now,
		subs:       make(map[int]chan []Entry),
	}
}

// Append records a session snapshot. Inline image values are interned
// first so the row only holds refs.
func (l *Log) Append(e *Entry) error {
	images := make(map[string]string, len(e.Images))
	for k, v := range e.Images {
		if l.content != nil && !contentstore.IsRef(v) {
			images[k] = l.content.Intern(v)
		} else {
			images[k] = v
		}
	}

	imagesJSON := ""
	if len(images) > 0 {
		data, err := json.Marshal(images)
		if err != nil {
			return fmt.Errorf("encode images: %w", err)
		}
		imagesJSON = string(data)
	}

	row := &store.HistoryRow{
		SourceDeviceUUID: e.SourceDeviceUUID,
		OriginalPackage:  e.OriginalPackage,
		MappedPackage:    e.MappedPackage,
		AppName:          e.AppName,
		Title:            e.Title,
		Text:             e.Text,
		RichPayloadRaw:   e.RichPayloadRaw,
		ImagesJSON:       imagesJSON,
		FeatureID:        e.FeatureID,
		CreatedAt:        l.now().UnixMilli(),
	}

	existing, err := l.db.HistoryByFeature(e.FeatureID)
	if err != nil {
		return fmt.Errorf("lookup history: %w", err)
	}

	coalesced := false
	for i := range existing {
		if sameContent(&existing[i], row) {
			row.ID = existing[i].ID
			if err := l.db.UpdateHistory(row); err != nil {
				return fmt.Errorf("coalesce history: %w", err)
			}
			coalesced = true
			break
		}
	}
	if !coalesced {
		if _, err := l.db.InsertHistory(row); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}

	if l.maxEntries > 0 {
		if trimmed, err := l.db.TrimHistory(l.maxEntries); err != nil {
			l.logger.Warn("history trim failed", "error", err)
		} else if trimmed > 0 {
			l.logger.Debug("history trimmed", "rows", trimmed)
		}
	}

	l.publish()
	return nil
}

func sameContent(a, b *store.HistoryRow) bool {
	return a.Title == b.Title &&
		a.Text == b.Text &&
		a.RichPayloadRaw == b.RichPayloadRaw &&
		a.ImagesJSON == b.ImagesJSON
}

// Entries returns up to limit entries, newest first.
func (l *Log) Entries(limit int) ([]Entry, error) {
	rows, err := l.db.ListHistory(limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rowToEntry(&rows[i]))
	}
	return entries, nil
}

func rowToEntry(row *store.HistoryRow) Entry {
	e := Entry{
		ID:               row.ID,
		SourceDeviceUUID: row.SourceDeviceUUID,
		OriginalPackage:  row.OriginalPackage,
		MappedPackage:    row.MappedPackage,
		AppName:          row.AppName,
		Title:            row.Title,
		Text:             row.Text,
		RichPayloadRaw:   row.RichPayloadRaw,
		FeatureID:        row.FeatureID,
		CreatedAt:        time.UnixMilli(row.CreatedAt),
	}
	if row.ImagesJSON != "" {
		if err := json.Unmarshal([]byte(row.ImagesJSON), &e.Images); err != nil {
			// Unreadable rows behave as imageless rather than failing
			// the whole listing.
			e.Images = nil
		}
	}
	return e
}

// Resolve returns the stored value behind an entry image ref.
func (l *Log) Resolve(ref string) string {
	if l.content == nil {
		return ref
	}
	return l.content.Resolve(ref)
}

// LiveRefs returns every content ref held by a retained history row.
func (l *Log) LiveRefs() ([]string, error) {
	rows, err := l.db.ListHistory(0)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var refs []string
	for i := range rows {
		entry := rowToEntry(&rows[i])
		for _, ref := range entry.Images {
			if contentstore.IsRef(ref) {
				refs = append(refs, ref)
			}
		}
	}
	return refs, nil
}

// Subscribe returns a channel receiving the latest entries after every
// append, and a cancel function. Slow subscribers miss snapshots
// rather than block appends.
func (l *Log) Subscribe() (<-chan []Entry, func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	ch := make(chan []Entry, 4)
	l.subs[id] = ch
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
		l.mu.Unlock()
	}
}

func (l *Log) publish() {
	l.mu.Lock()
	n := len(l.subs)
	l.mu.Unlock()
	if n == 0 {
		return
	}

	entries, err := l.Entries(50)
	if err != nil {
		l.logger.Warn("history snapshot failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- entries:
		default:
		}
	}
}
