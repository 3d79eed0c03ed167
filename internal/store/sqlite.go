// Package store provides sqlite persistence for islandd: paired peers,
// the local notification log, the merged-session history, and the
// content-store blob table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the islandd database.
const schema = `
CREATE TABLE IF NOT EXISTS peers (
    uuid             TEXT PRIMARY KEY,
    display_name     TEXT NOT NULL,
    address          TEXT NOT NULL,
    port             INTEGER NOT NULL,
    public_key       BLOB,
    shared_key       BLOB,
    accepted         INTEGER NOT NULL DEFAULT 0,
    rejected         INTEGER NOT NULL DEFAULT 0,
    last_seen_online INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notifications (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    key          TEXT NOT NULL,
    package_name TEXT NOT NULL,
    app_name     TEXT,
    title        TEXT,
    text         TEXT,
    time_ms      INTEGER NOT NULL,
    device       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_device_time ON notifications(device, time_ms);

CREATE TABLE IF NOT EXISTS history (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    source_device_uuid TEXT NOT NULL,
    original_package   TEXT NOT NULL,
    mapped_package     TEXT NOT NULL,
    app_name           TEXT,
    title              TEXT,
    text               TEXT,
    rich_payload_raw   TEXT,
    images_json        TEXT NOT NULL DEFAULT '{}',
    feature_id         TEXT NOT NULL,
    created_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_feature ON history(feature_id, created_at);

CREATE TABLE IF NOT EXISTS blobs (
    digest    TEXT PRIMARY KEY,
    value     TEXT NOT NULL,
    ref_count INTEGER NOT NULL DEFAULT 0,
    last_seen INTEGER NOT NULL
);
`

// Store represents the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path. A file that
// cannot be opened or migrated is moved aside and recreated rather than
// crashing the daemon.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	s, err := open(path)
	if err == nil {
		return s, nil
	}

	// Corrupt or unreadable database: preserve it for inspection and
	// start fresh.
	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, backup); renameErr != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, retryErr := open(path)
	if retryErr != nil {
		return nil, fmt.Errorf("recreate database: %w", retryErr)
	}
	return s, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- peers ---

// UpsertPeer inserts or replaces a peer record.
func (s *Store) UpsertPeer(p *Peer) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO peers (uuid, display_name, address, port, public_key, shared_key, accepted, rejected, last_seen_online)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UUID, p.DisplayName, p.Address, p.Port, p.PublicKey, p.SharedKey, p.Accepted, p.Rejected, p.LastSeenOnline,
	)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// GetPeer retrieves a peer by uuid, or nil if unknown.
func (s *Store) GetPeer(uuid string) (*Peer, error) {
	var p Peer
	err := s.db.QueryRow(`
		SELECT uuid, display_name, address, port, public_key, shared_key, accepted, rejected, last_seen_online
		FROM peers WHERE uuid = ?`, uuid,
	).Scan(&p.UUID, &p.DisplayName, &p.Address, &p.Port, &p.PublicKey, &p.SharedKey, &p.Accepted, &p.Rejected, &p.LastSeenOnline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get peer: %w", err)
	}
	return &p, nil
}

// ListPeers retrieves all persisted peers.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`
		SELECT uuid, display_name, address, port, public_key, shared_key, accepted, rejected, last_seen_online
		FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.UUID, &p.DisplayName, &p.Address, &p.Port, &p.PublicKey, &p.SharedKey, &p.Accepted, &p.Rejected, &p.LastSeenOnline); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return peers, nil
}

// DeletePeer removes a peer record.
func (s *Store) DeletePeer(uuid string) error {
	if _, err := s.db.Exec(`DELETE FROM peers WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return nil
}

// --- notifications ---

// InsertNotification appends a notification log entry and returns its ID.
func (s *Store) InsertNotification(n *Notification) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO notifications (key, package_name, app_name, title, text, time_ms, device)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.Key, n.PackageName, n.AppName, n.Title, n.Text, n.Time, n.Device,
	)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// RecentNotifications retrieves log entries for a device newer than sinceMs.
func (s *Store) RecentNotifications(device string, sinceMs int64) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, key, package_name, app_name, title, text, time_ms, device
		FROM notifications
		WHERE device = ? AND time_ms >= ?
		ORDER BY time_ms ASC`, device, sinceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var entries []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Key, &n.PackageName, &n.AppName, &n.Title, &n.Text, &n.Time, &n.Device); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		entries = append(entries, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return entries, nil
}

// PruneNotifications deletes log entries older than beforeMs.
func (s *Store) PruneNotifications(beforeMs int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM notifications WHERE time_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// --- history ---

// InsertHistory appends a history row and returns its ID.
func (s *Store) InsertHistory(h *HistoryRow) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO history (source_device_uuid, original_package, mapped_package, app_name, title, text, rich_payload_raw, images_json, feature_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.SourceDeviceUUID, h.OriginalPackage, h.MappedPackage, h.AppName, h.Title, h.Text, h.RichPayloadRaw, h.ImagesJSON, h.FeatureID, h.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// UpdateHistory rewrites an existing history row in place.
func (s *Store) UpdateHistory(h *HistoryRow) error {
	result, err := s.db.Exec(`
		UPDATE history
		SET source_device_uuid = ?, original_package = ?, mapped_package = ?, app_name = ?, title = ?, text = ?, rich_payload_raw = ?, images_json = ?, feature_id = ?, created_at = ?
		WHERE id = ?`,
		h.SourceDeviceUUID, h.OriginalPackage, h.MappedPackage, h.AppName, h.Title, h.Text, h.RichPayloadRaw, h.ImagesJSON, h.FeatureID, h.CreatedAt, h.ID,
	)
	if err != nil {
		return fmt.Errorf("update history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("history row not found: %d", h.ID)
	}
	return nil
}

// HistoryByFeature retrieves all rows for a feature id, oldest first.
func (s *Store) HistoryByFeature(featureID string) ([]HistoryRow, error) {
	rows, err := s.db.Query(`
		SELECT id, source_device_uuid, original_package, mapped_package, app_name, title, text, rich_payload_raw, images_json, feature_id, created_at
		FROM history
		WHERE feature_id = ?
		ORDER BY created_at ASC`, featureID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history by feature: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// ListHistory retrieves the newest rows, newest first. limit <= 0 means all.
func (s *Store) ListHistory(limit int) ([]HistoryRow, error) {
	query := `
		SELECT id, source_device_uuid, original_package, mapped_package, app_name, title, text, rich_payload_raw, images_json, feature_id, created_at
		FROM history
		ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// DeleteHistory removes a history row.
func (s *Store) DeleteHistory(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM history WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// TrimHistory deletes the oldest rows beyond max. Returns rows removed.
func (s *Store) TrimHistory(max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	result, err := s.db.Exec(`
		DELETE FROM history WHERE id IN (
			SELECT id FROM history ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, max)
	if err != nil {
		return 0, fmt.Errorf("trim history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

func scanHistory(rows *sql.Rows) ([]HistoryRow, error) {
	var entries []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.SourceDeviceUUID, &h.OriginalPackage, &h.MappedPackage, &h.AppName, &h.Title, &h.Text, &h.RichPayloadRaw, &h.ImagesJSON, &h.FeatureID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// --- blobs ---

// UpsertBlob inserts or replaces a blob record.
func (s *Store) UpsertBlob(b *Blob) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO blobs (digest, value, ref_count, last_seen)
		VALUES (?, ?, ?, ?)`,
		b.Digest, b.Value, b.RefCount, b.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// GetBlob retrieves a blob by digest, or nil if unknown.
func (s *Store) GetBlob(digest string) (*Blob, error) {
	var b Blob
	err := s.db.QueryRow(`
		SELECT digest, value, ref_count, last_seen
		FROM blobs WHERE digest = ?`, digest,
	).Scan(&b.Digest, &b.Value, &b.RefCount, &b.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return &b, nil
}

// ListBlobs retrieves all blob records.
func (s *Store) ListBlobs() ([]Blob, error) {
	rows, err := s.db.Query(`SELECT digest, value, ref_count, last_seen FROM blobs`)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Digest, &b.Value, &b.RefCount, &b.LastSeen); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blobs: %w", err)
	}
	return blobs, nil
}

// DeleteBlob removes a blob record.
func (s *Store) DeleteBlob(digest string) error {
	if _, err := s.db.Exec(`DELETE FROM blobs WHERE digest = ?`, digest); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
