// Package store manages the SQLite database holding the syncable records,
// the durable sync queue, the pull checkpoint, and the conflict log.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Two connection handles back each
// store: a single-connection write handle through which every mutation is
// serialized, and a read-only pool so snapshot reads never block on an
// in-flight sync transaction (WAL readers see the last committed state).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/lexisync/lexisync/internal/model"
)

// Sentinel errors forming the storage error taxonomy. Callers match with
// [errors.Is]; wrapped messages carry the detail.
var (
	// ErrConflict means a concurrent write already advanced the record's
	// version between the caller's read and its write.
	ErrConflict = errors.New("store: version conflict")

	// ErrNotFound means the record does not exist (or is soft-deleted and
	// the caller asked for live records only).
	ErrNotFound = errors.New("store: record not found")

	// ErrSchemaMismatch means the on-disk schema is newer than this binary
	// understands. Fatal at startup.
	ErrSchemaMismatch = errors.New("store: schema version mismatch")
)

// Store is the SQLite-backed entity store.
type Store struct {
	write *sql.DB
	read  *sql.DB

	notifier notifier
}

// DefaultDBPath returns the default database location:
// ~/.local/share/lexisync/lexisync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "lexisync", "lexisync.db"), nil
}

// Open opens (or creates) the database at path, runs pending migrations, and
// configures WAL mode. Migration failure is fatal: no partially migrated
// store is ever returned.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	write, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	// Single writer to avoid SQLITE_BUSY under WAL; this is also the
	// per-store write lock that serializes all record mutations.
	write.SetMaxOpenConns(1)

	if err := migrate(write); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("migrating %q: %w", path, err)
	}

	read, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("opening read handle for %q: %w", path, err)
	}
	read.SetMaxOpenConns(4)

	return &Store{write: write, read: read}, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	return errors.Join(s.read.Close(), s.write.Close())
}

const recordCols = `local_id, entity_type, remote_id, payload, refs, version,
       etag, sync_status, modified_at, created_at, last_synced_at, deleted_at,
       remote_candidate`

// Get returns the record with the given local ID, including soft-deleted and
// conflicted records, or (nil, nil) if no such record exists.
func (s *Store) Get(ctx context.Context, localID string) (*model.Record, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM records WHERE local_id = ?`, localID)
	return scanRecord(row)
}

// GetByRemoteID returns the record with the given remote ID, or (nil, nil).
func (s *Store) GetByRemoteID(ctx context.Context, remoteID string) (*model.Record, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM records WHERE remote_id = ?`, remoteID)
	return scanRecord(row)
}

// Query selects records for [Store.List].
type Query struct {
	// EntityType restricts the result to one collection. Empty matches all.
	EntityType string

	// IncludeDeleted also returns soft-deleted records awaiting remote
	// acknowledgement.
	IncludeDeleted bool

	// IncludeConflicted also returns records with an unresolved conflict.
	// Normal repository reads exclude them: a conflicted record has no
	// single current value.
	IncludeConflicted bool

	// Statuses, when non-empty, restricts the result to the given statuses
	// (overrides IncludeConflicted).
	Statuses []model.SyncStatus

	Limit int
}

// List returns a snapshot of records matching q, ordered by modification time
// (newest first). The snapshot is the last committed state; it never blocks
// on the write handle.
func (s *Store) List(ctx context.Context, q Query) ([]*model.Record, error) {
	query := `SELECT ` + recordCols + ` FROM records WHERE 1=1`
	var args []any

	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if !q.IncludeDeleted {
		query += ` AND deleted_at = ''`
	}
	if len(q.Statuses) > 0 {
		query += ` AND sync_status IN (?` + repeat(",?", len(q.Statuses)-1) + `)`
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	} else if !q.IncludeConflicted {
		query += ` AND sync_status != ?`
		args = append(args, string(model.StatusConflicted))
	}

	query += ` ORDER BY modified_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Checkpoint returns the durable marker of the last successful pull. Empty
// means no pull has completed yet.
func (s *Store) Checkpoint(ctx context.Context) (string, error) {
	var token string
	err := s.read.QueryRowContext(ctx, `SELECT token FROM checkpoint WHERE id = 1`).Scan(&token)
	if err != nil {
		return "", fmt.Errorf("reading checkpoint: %w", err)
	}
	return token, nil
}

// Subscribe registers for change notifications for one entity type (empty
// string subscribes to all). The channel carries a coalesced signal: at least
// one commit touched the entity type since the last receive. The returned
// cancel func must be called to release the subscription.
func (s *Store) Subscribe(entityType string) (<-chan struct{}, func()) {
	return s.notifier.subscribe(entityType)
}

// --- row scanning ------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.Record, error) {
	var rec model.Record
	var refsJSON, modifiedAt, createdAt, lastSyncedAt, deletedAt, candidate string
	var status string

	err := sc.Scan(
		&rec.LocalID,
		&rec.EntityType,
		&rec.RemoteID,
		&rec.Payload,
		&refsJSON,
		&rec.Version,
		&rec.ETag,
		&status,
		&modifiedAt,
		&createdAt,
		&lastSyncedAt,
		&deletedAt,
		&candidate,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.Status = model.SyncStatus(status)
	if refsJSON != "" && refsJSON != "{}" {
		if err := json.Unmarshal([]byte(refsJSON), &rec.Refs); err != nil {
			return nil, fmt.Errorf("parsing refs for %q: %w", rec.LocalID, err)
		}
	}
	if candidate != "" {
		rec.RemoteCandidate = &model.Candidate{}
		if err := json.Unmarshal([]byte(candidate), rec.RemoteCandidate); err != nil {
			return nil, fmt.Errorf("parsing remote candidate for %q: %w", rec.LocalID, err)
		}
	}
	rec.ModifiedAt, _ = parseTime(modifiedAt)
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.LastSyncedAt, _ = parseTime(lastSyncedAt)
	rec.DeletedAt, _ = parseTime(deletedAt)

	return &rec, nil
}

// --- helpers -----------------------------------------------------------------

func marshalRefs(refs map[string]string) (string, error) {
	if len(refs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encoding refs: %w", err)
	}
	return string(b), nil
}

func marshalCandidate(c *model.Candidate) (string, error) {
	if c == nil {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding remote candidate: %w", err)
	}
	return string(b), nil
}

// timeLayout is RFC3339 with a fixed-width fractional second. RFC3339Nano
// trims trailing zeros, which breaks lexicographic comparison in SQL: a
// whole-second "…:05Z" sorts after "…:05.3Z". Fixed width keeps text order
// equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func repeat(s string, n int) string {
	out := ""
	for range n {
		out += s
	}
	return out
}
