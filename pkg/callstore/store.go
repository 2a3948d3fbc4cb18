// Package callstore persists call sessions to PostgreSQL. The store is
// best-effort bookkeeping: the call engine never blocks on it.
package callstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xaosao/peercall/pkg/call"
)

// Schema creates the call_sessions table. Applied by the operator, not by
// the store.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id               UUID PRIMARY KEY,
	booking_id       TEXT NOT NULL,
	role             TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	remote_peer_id   TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	end_reason       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_booking ON call_sessions (booking_id);
`

// Store implements call.Recorder over a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool against connString and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// CallStarted inserts a new call session row.
func (s *Store) CallStarted(ctx context.Context, rec call.Record) error {
	query := `
		INSERT INTO call_sessions (
			id, booking_id, role, call_type,
			remote_peer_id, started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`

	_, err := s.db.Exec(ctx, query,
		rec.SessionID, rec.BookingID, rec.Role, string(rec.CallType),
		rec.RemotePeerID, rec.StartedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert call session: %w", err)
	}
	return nil
}

// CallEnded finalizes the session row with its duration and end reason.
func (s *Store) CallEnded(ctx context.Context, sessionID uuid.UUID, durationSeconds int, reason call.EndReason) error {
	query := `
		UPDATE call_sessions SET
			ended_at = $1,
			duration_seconds = $2,
			end_reason = $3,
			updated_at = $1
		WHERE id = $4
	`

	tag, err := s.db.Exec(ctx, query,
		time.Now(), durationSeconds, string(reason), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call session %s not found", sessionID)
	}
	return nil
}

// History returns the most recent sessions for a booking, newest first.
func (s *Store) History(ctx context.Context, bookingID string, limit int) ([]SessionRow, error) {
	query := `
		SELECT id, booking_id, role, call_type, remote_peer_id,
		       started_at, ended_at, duration_seconds, end_reason
		FROM call_sessions
		WHERE booking_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, bookingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(
			&r.ID, &r.BookingID, &r.Role, &r.CallType, &r.RemotePeerID,
			&r.StartedAt, &r.EndedAt, &r.DurationSeconds, &r.EndReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRow is one persisted call session.
type SessionRow struct {
	ID              uuid.UUID
	BookingID       string
	Role            string
	CallType        string
	RemotePeerID    string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	EndReason       *string
}

// NopRecorder discards every record. Used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) CallStarted(context.Context, call.Record) error { return nil }
func (NopRecorder) CallEnded(context.Context, uuid.UUID, int, call.EndReason) error {
	return nil
}
