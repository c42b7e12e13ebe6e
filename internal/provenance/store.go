// Package provenance implements the content-addressed artifact store and
// the keyed idempotency ledger. Every externally observable action in the
// pipeline is keyed here so retries and event replay are safe.
package provenance

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Store persists artifacts and idempotent results in SQLite.
// Single-writer: the connection pool is capped at one, matching the
// WAL + busy_timeout setup used across conductor's durable state.
type Store struct {
	db     *sql.DB
	dbPath string
	keyMu  sync.Map // key -> *sync.Mutex serializing Do calls in this process
}

// ErrInFlight signals another attempt currently owns the key; callers
// poll until the owner records the result.
var ErrInFlight = errors.New("result in flight")

// Open initializes the provenance database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryProvenance, "provenance.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.ProvenanceDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.ProvenanceDebug("failed to set journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Provenance("provenance store ready at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS artifacts (
    content_hash TEXT PRIMARY KEY,
    data         BLOB NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    idempotency_key TEXT PRIMARY KEY,
    status          TEXT NOT NULL CHECK (status IN ('in_flight','done')),
    payload         BLOB,
    owner           TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("provenance schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// =============================================================================
// ARTIFACTS
// =============================================================================

// PutArtifact stores bytes content-addressed and returns the hash.
// Idempotent: identical bytes always return the same hash.
func (s *Store) PutArtifact(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (content_hash, data, created_at) VALUES (?, ?, ?)`,
		hash, data, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	logging.ProvenanceDebug("artifact %s stored (%d bytes)", hash[:12], len(data))
	return hash, nil
}

// GetArtifact fetches bytes by content hash.
func (s *Store) GetArtifact(ctx context.Context, contentHash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE content_hash = ?`, contentHash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", contentHash, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return data, nil
}

// =============================================================================
// IDEMPOTENT RESULTS
// =============================================================================

// Begin marks the key in-flight for this owner. Returns:
//   - (nil, nil) when the marker was placed and the caller should execute;
//   - (payload, nil) when a result is already recorded (caller returns it);
//   - (nil, ErrInFlight) when another owner holds the marker.
//
// A done row with a NULL payload contradicts the protocol and is fatal.
func (s *Store) Begin(ctx context.Context, key, owner string) ([]byte, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO results (idempotency_key, status, payload, owner, created_at, updated_at)
		 VALUES (?, 'in_flight', NULL, ?, ?, ?)`, key, owner, now, now)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		logging.ProvenanceDebug("key %s marked in-flight by %s", key, owner)
		return nil, nil
	}

	var status, rowOwner string
	var payload []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT status, owner, payload FROM results WHERE idempotency_key = ?`, key).
		Scan(&status, &rowOwner, &payload)
	if err != nil {
		return nil, fmt.Errorf("begin lookup %s: %w", key, err)
	}
	switch status {
	case "done":
		if payload == nil {
			return nil, &types.PISInconsistencyError{Key: key, Detail: "done result with no payload"}
		}
		return payload, nil
	case "in_flight":
		if rowOwner == owner {
			// Same owner re-entering after a crash: allowed to finish.
			return nil, nil
		}
		return nil, ErrInFlight
	default:
		return nil, &types.PISInconsistencyError{Key: key, Detail: "unknown status " + status}
	}
}

// RecordResult stores the first result for the key. Subsequent calls with
// the same key return the first-stored payload regardless of the new
// argument (first write wins).
func (s *Store) RecordResult(ctx context.Context, key string, payload []byte) ([]byte, error) {
	if payload == nil {
		payload = []byte{}
	}
	now := time.Now().UnixMilli()
	// Either claim a fresh row as done, or promote our in-flight marker.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (idempotency_key, status, payload, owner, created_at, updated_at)
		 VALUES (?, 'done', ?, 'direct', ?, ?)
		 ON CONFLICT(idempotency_key) DO UPDATE
		   SET status = 'done', payload = excluded.payload, updated_at = excluded.updated_at
		   WHERE results.status = 'in_flight'`,
		key, payload, now, now)
	if err != nil {
		return nil, fmt.Errorf("record result %s: %w", key, err)
	}

	var stored []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM results WHERE idempotency_key = ? AND status = 'done'`, key).
		Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &types.PISInconsistencyError{Key: key, Detail: "record did not settle to done"}
		}
		return nil, fmt.Errorf("record readback %s: %w", key, err)
	}
	return stored, nil
}

// GetResult returns the stored payload for the key, or ErrNotFound.
// An in-flight marker is reported as ErrInFlight.
func (s *Store) GetResult(ctx context.Context, key string) ([]byte, error) {
	var status string
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT status, payload FROM results WHERE idempotency_key = ?`, key).
		Scan(&status, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", key, err)
	}
	if status == "in_flight" {
		return nil, ErrInFlight
	}
	if payload == nil {
		return nil, &types.PISInconsistencyError{Key: key, Detail: "done result with no payload"}
	}
	return payload, nil
}

// Do runs fn exactly once for the key. Concurrent callers with the same
// key serialize: late arrivals poll until the owner records the result,
// then return it. fn's returned bytes become the stored payload.
func (s *Store) Do(ctx context.Context, key, owner string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	// Callers in this process take turns per key, so a same-owner
	// re-entry in Begin is only ever a restart after a crash.
	mu, _ := s.keyMu.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	for {
		stored, err := s.Begin(ctx, key, owner)
		if err == nil && stored != nil {
			return stored, nil
		}
		if err == nil {
			payload, fnErr := fn(ctx)
			if fnErr != nil {
				// Release the marker so a retry can re-enter.
				if _, delErr := s.db.ExecContext(ctx,
					`DELETE FROM results WHERE idempotency_key = ? AND status = 'in_flight' AND owner = ?`,
					key, owner); delErr != nil {
					logging.Get(logging.CategoryProvenance).Error("failed to clear in-flight %s: %v", key, delErr)
				}
				return nil, fnErr
			}
			return s.RecordResult(ctx, key, payload)
		}
		if !errors.Is(err, ErrInFlight) {
			return nil, err
		}

		// Another attempt owns the key; wait for its result.
		select {
		case <-ctx.Done():
			return nil, &types.CanceledError{Op: "idempotent wait " + key}
		case <-time.After(25 * time.Millisecond):
		}
		if payload, getErr := s.GetResult(ctx, key); getErr == nil {
			return payload, nil
		} else if !errors.Is(getErr, ErrInFlight) && !errors.Is(getErr, types.ErrNotFound) {
			return nil, getErr
		}
	}
}
