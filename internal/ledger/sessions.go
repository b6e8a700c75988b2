package ledger

import (
	"context"
	"fmt"
	"time"
)

// Session is a daemon liveness record. One row exists per running scan
// daemon; the row is updated on every scan cycle and removed on clean exit so
// stale-but-harmless records don't mislead liveness checks.
type Session struct {
	SessionID     string    `json:"session_id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RegisterSession inserts or replaces the liveness record for a daemon.
func (s *Store) RegisterSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, hostname, pid, status, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		sess.SessionID, sess.Hostname, sess.PID, sess.Status, sess.StartedAt, sess.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to register session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Heartbeat bumps last_heartbeat for a session.
func (s *Store) Heartbeat(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// RemoveSession deletes a session record. Called on graceful shutdown;
// idempotent if the record is already gone.
func (s *Store) RemoveSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", sessionID, err)
	}
	return nil
}

// ActiveSessions returns running sessions ordered by most recent heartbeat.
func (s *Store) ActiveSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, hostname, pid, status, started_at, last_heartbeat
		FROM sessions WHERE status = 'running'
		ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.SessionID, &sess.Hostname, &sess.PID, &sess.Status, &sess.StartedAt, &sess.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CleanupStaleSessions deletes sessions whose heartbeat is older than the
// threshold. These are daemons that died without removing their record.
// Returns the number cleaned up.
func (s *Store) CleanupStaleSessions(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stale sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
