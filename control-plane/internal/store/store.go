// Package store provides database access for the control plane.
//
// # Design
//
// The store uses raw SQL with pgx. Nested model data (interfaces, ports,
// bindings, discovery provenance) is kept in JSONB columns and decoded into
// pkg/types values on read. Lookups return (nil, nil) when nothing matches.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/netscope-io/netscope/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// DAEMONS
// =============================================================================

const daemonColumns = `id, name, ip, port, version,
	get_daemon_status(last_heartbeat) AS status,
	COALESCE(last_heartbeat, created_at), created_at`

func scanDaemon(row pgx.Row) (*types.Daemon, error) {
	var d types.Daemon
	err := row.Scan(&d.ID, &d.Name, &d.IP, &d.Port, &d.Version, &d.Status, &d.LastHeartbeat, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDaemon registers a new daemon.
func (s *Store) CreateDaemon(ctx context.Context, d *types.Daemon) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daemons (id, name, ip, port, version, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.Name, d.IP, d.Port, d.Version, time.Now())
	return err
}

// UpdateDaemon stores the address and version a re-registering daemon reports.
func (s *Store) UpdateDaemon(ctx context.Context, d *types.Daemon) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE daemons SET
			ip = $2, port = $3, version = $4,
			last_heartbeat = NOW(), updated_at = NOW()
		WHERE id = $1
	`, d.ID, d.IP, d.Port, d.Version)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("daemon not found: %s", d.ID)
	}
	return nil
}

// GetDaemon retrieves a daemon by ID.
func (s *Store) GetDaemon(ctx context.Context, id string) (*types.Daemon, error) {
	return scanDaemon(s.pool.QueryRow(ctx, `SELECT `+daemonColumns+` FROM daemons WHERE id = $1`, id))
}

// GetDaemonByName retrieves a daemon by name.
func (s *Store) GetDaemonByName(ctx context.Context, name string) (*types.Daemon, error) {
	return scanDaemon(s.pool.QueryRow(ctx, `SELECT `+daemonColumns+` FROM daemons WHERE name = $1`, name))
}

// ListDaemons returns all daemons ordered by name.
func (s *Store) ListDaemons(ctx context.Context) ([]types.Daemon, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+daemonColumns+` FROM daemons ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var daemons []types.Daemon
	for rows.Next() {
		d, err := scanDaemon(rows)
		if err != nil {
			return nil, err
		}
		daemons = append(daemons, *d)
	}
	return daemons, rows.Err()
}

// UpdateDaemonHeartbeat records a heartbeat.
func (s *Store) UpdateDaemonHeartbeat(ctx context.Context, daemonID, version string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE daemons SET last_heartbeat = NOW(), version = $2 WHERE id = $1
	`, daemonID, version)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("daemon not found: %s", daemonID)
	}
	return nil
}

// SetDaemonAPIKey stores a hashed API key for a daemon.
// The key should be hashed with bcrypt before calling this method.
func (s *Store) SetDaemonAPIKey(ctx context.Context, daemonID, keyHash string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE daemons SET
			api_key_hash = $2,
			api_key_created_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, daemonID, keyHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("daemon not found: %s", daemonID)
	}
	return nil
}

// GetDaemonAPIKeyHash retrieves the hashed API key for a daemon.
// Returns empty string if no key is set.
func (s *Store) GetDaemonAPIKeyHash(ctx context.Context, daemonID string) (string, error) {
	var keyHash *string
	err := s.pool.QueryRow(ctx, `
		SELECT api_key_hash FROM daemons WHERE id = $1
	`, daemonID).Scan(&keyHash)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if keyHash == nil {
		return "", nil
	}
	return *keyHash, nil
}

// DeleteDaemon removes a daemon and, by cascade, its sessions.
func (s *Store) DeleteDaemon(ctx context.Context, daemonID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM daemons WHERE id = $1`, daemonID)
	return err
}

// =============================================================================
// DISCOVERY SESSIONS
// =============================================================================

// SaveDiscoverySession inserts or replaces a session row.
func (s *Store) SaveDiscoverySession(ctx context.Context, sess *types.DiscoverySession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovery_sessions (
			session_id, daemon_id, discovery_type, phase, outcome,
			completed, total, discovered_count, error, last_seq,
			created_at, started_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			outcome = EXCLUDED.outcome,
			completed = EXCLUDED.completed,
			total = EXCLUDED.total,
			discovered_count = EXCLUDED.discovered_count,
			error = EXCLUDED.error,
			last_seq = EXCLUDED.last_seq,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`,
		sess.SessionID, sess.DaemonID, sess.DiscoveryType, sess.Phase, sess.Outcome,
		sess.Completed, sess.Total, sess.DiscoveredCount, sess.Error, int64(sess.LastSeq),
		sess.CreatedAt, sess.StartedAt, sess.UpdatedAt, sess.FinishedAt,
	)
	return err
}

// DeleteDiscoverySessions removes the given sessions.
func (s *Store) DeleteDiscoverySessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM discovery_sessions WHERE session_id = ANY($1)`, ids)
	return err
}

// ListDiscoverySessions returns every stored session, oldest first.
func (s *Store) ListDiscoverySessions(ctx context.Context) ([]types.DiscoverySession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, daemon_id, discovery_type, phase, COALESCE(outcome, ''),
			completed, total, discovered_count, error, last_seq,
			created_at, started_at, updated_at, finished_at
		FROM discovery_sessions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []types.DiscoverySession
	for rows.Next() {
		var sess types.DiscoverySession
		var lastSeq int64
		if err := rows.Scan(
			&sess.SessionID, &sess.DaemonID, &sess.DiscoveryType, &sess.Phase, &sess.Outcome,
			&sess.Completed, &sess.Total, &sess.DiscoveredCount, &sess.Error, &lastSeq,
			&sess.CreatedAt, &sess.StartedAt, &sess.UpdatedAt, &sess.FinishedAt,
		); err != nil {
			return nil, err
		}
		sess.LastSeq = uint64(lastSeq)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// marshalJSON encodes a JSONB column value, mapping nil slices to "[]".
func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}
