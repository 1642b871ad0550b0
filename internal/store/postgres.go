package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"forcesync/internal/models"
)

// admissionLockKey serialises CreateExclusive across processes.
const admissionLockKey int64 = 0x666f7263

// PostgresStore persists sessions and lifecycle events in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// pgxExecer is satisfied by both the pool and a transaction.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) Create(ctx context.Context, sess *models.SyncSession) error {
	sess.Version = 1
	return insertSession(ctx, s.pool, sess)
}

func (s *PostgresStore) CreateExclusive(ctx context.Context, sess *models.SyncSession) (*models.SyncSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
		return nil, fmt.Errorf("acquire admission lock: %w", err)
	}

	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT data FROM sync_sessions
		WHERE status IN ('pending', 'in_progress')
		ORDER BY started_at
		LIMIT 1
	`).Scan(&raw)
	switch {
	case err == nil:
		existing, derr := decodeSession(raw)
		if derr != nil {
			return nil, derr
		}
		return existing, ErrActiveSession
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("query active sessions: %w", err)
	}

	sess.Version = 1
	if err := insertSession(ctx, tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return nil, nil
}

func insertSession(ctx context.Context, db pgxExecer, sess *models.SyncSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tag, err := db.Exec(ctx, `
		INSERT INTO sync_sessions (id, correlation_id, status, data, version, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, sess.ID, sess.CorrelationID, string(sess.Status), data, sess.Version, sess.StartedAt, sess.CompletedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.SyncSession, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sync_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(raw)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, sess *models.SyncSession) error {
	next := sess.Clone()
	next.Version = sess.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_sessions
		SET status = $3, data = $4, version = version + 1, completed_at = $5, updated_at = $6
		WHERE id = $1 AND version = $2
	`, sess.ID, sess.Version, string(next.Status), data, next.CompletedAt, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("swap session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_sessions WHERE id = $1)`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session %s: %w", sess.ID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	sess.Version = next.Version
	return nil
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]*models.SyncSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM sync_sessions
		WHERE status IN ('pending', 'in_progress')
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncSession
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_sessions
		WHERE status NOT IN ('pending', 'in_progress') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Append stores a lifecycle event so the timeline survives restarts.
func (s *PostgresStore) Append(ctx context.Context, ev models.LifecycleEvent) error {
	var fields []byte
	if ev.Fields != nil {
		var err error
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lifecycle_events (seq, event_type, correlation_id, job_id, origin, fields, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.Seq, string(ev.EventType), ev.CorrelationID, ev.JobID, ev.Origin, fields, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// History returns the stored events for correlationID in insertion order.
func (s *PostgresStore) History(ctx context.Context, correlationID string) ([]models.LifecycleEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_type, correlation_id, job_id, origin, fields, ts
		FROM lifecycle_events WHERE correlation_id = $1 ORDER BY id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var out []models.LifecycleEvent
	for rows.Next() {
		var ev models.LifecycleEvent
		var typ string
		var fields []byte
		if err := rows.Scan(&ev.Seq, &typ, &ev.CorrelationID, &ev.JobID, &ev.Origin, &fields, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		ev.EventType = models.EventType(typ)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &ev.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal event fields: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func decodeSession(raw []byte) (*models.SyncSession, error) {
	var sess models.SyncSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
