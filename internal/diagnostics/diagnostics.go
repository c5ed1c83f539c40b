// Package diagnostics persists periodic snapshots of scheduler telemetry
// to a local sqlite database, so a dropped-frame storm can be inspected
// after the fact instead of only through live logging.
package diagnostics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"sesame/internal/scheduler"
)

var log = logging.Logger("sesame/diagnostics")

// Store wraps a sqlite database holding a ring of telemetry snapshots.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex

	maxSnapshots int
	runID        string
}

// Open opens or creates the diagnostics database under dataDir. maxSnapshots
// bounds the ring; snapshots beyond it are pruned on every Record call.
// maxSnapshots defaults to 500 if zero.
func Open(dataDir string, maxSnapshots int) (*Store, error) {
	if maxSnapshots == 0 {
		maxSnapshots = 500
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("diagnostics: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "telemetry.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry_snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			source      TEXT NOT NULL,
			payload     TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: create telemetry table: %w", err)
	}

	store := &Store{db: db, path: dbPath, maxSnapshots: maxSnapshots}

	runID, found, err := store.Meta("run_id")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: read run id: %w", err)
	}
	if !found {
		runID = uuid.NewString()
		if err := store.SetMeta("run_id", runID); err != nil {
			db.Close()
			return nil, fmt.Errorf("diagnostics: write run id: %w", err)
		}
	}
	store.runID = runID

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RunID returns the UUID generated the first time this database was opened,
// persisted across restarts so exported snapshots can be correlated back to
// a single long-lived deployment rather than a single process run.
func (s *Store) RunID() string {
	return s.runID
}

// Record appends a telemetry snapshot tagged with source (e.g. a track
// name or "fileplayer"), then prunes the ring back down to maxSnapshots.
func (s *Store) Record(source string, t scheduler.Telemetry) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("diagnostics: marshal telemetry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`INSERT INTO telemetry_snapshots (source, payload) VALUES (?, ?)`,
		source, string(payload),
	); err != nil {
		return fmt.Errorf("diagnostics: insert snapshot: %w", err)
	}

	if _, err := s.db.Exec(`
		DELETE FROM telemetry_snapshots
		WHERE id NOT IN (
			SELECT id FROM telemetry_snapshots ORDER BY id DESC LIMIT ?
		)
	`, s.maxSnapshots); err != nil {
		return fmt.Errorf("diagnostics: prune snapshots: %w", err)
	}
	return nil
}

// Snapshot is one recorded telemetry entry read back from the store.
type Snapshot struct {
	ID         int64
	CapturedAt string
	Source     string
	Telemetry  scheduler.Telemetry
}

// Recent returns up to limit of the most recently recorded snapshots for
// source, newest first.
func (s *Store) Recent(source string, limit int) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, captured_at, source, payload
		FROM telemetry_snapshots
		WHERE source = ?
		ORDER BY id DESC
		LIMIT ?
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var payload string
		if err := rows.Scan(&snap.ID, &snap.CapturedAt, &snap.Source, &payload); err != nil {
			return nil, fmt.Errorf("diagnostics: scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &snap.Telemetry); err != nil {
			return nil, fmt.Errorf("diagnostics: unmarshal snapshot %d: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SetMeta stores a key/value pair in the database-wide metadata table,
// e.g. the schema version or the last-seen player config hash.
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Meta reads back a value stored with SetMeta.
func (s *Store) Meta(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Recorder periodically snapshots a telemetry source on a timer until
// stopped, mirroring the poll-and-persist loops found throughout the
// pack's background worker code.
type Recorder struct {
	store    *Store
	source   string
	interval time.Duration
	fetch    func() scheduler.Telemetry

	stop chan struct{}
	done chan struct{}
}

// NewRecorder builds a Recorder that calls fetch every interval and
// persists the result under source.
func NewRecorder(store *Store, source string, interval time.Duration, fetch func() scheduler.Telemetry) *Recorder {
	return &Recorder{
		store:    store,
		source:   source,
		interval: interval,
		fetch:    fetch,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the recording loop in a background goroutine.
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.store.Record(r.source, r.fetch()); err != nil {
					log.Warnf("diagnostics: record %s: %v", r.source, err)
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the recording loop and waits for it to exit.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}
