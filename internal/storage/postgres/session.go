package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

// SessionRepository persists presence sessions so the member-list ordering
// and effective-presence queries see connections from every gateway node.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// UpsertSession records a session's current status and activities.
//
// Precondition: s.SessionID must be non-empty; s.UserID must reference an
// existing user.
// Postcondition: The session row exists with the given status.
func (r *SessionRepository) UpsertSession(ctx context.Context, s guild.Session) error {
	activities, err := json.Marshal(s.Activities)
	if err != nil {
		return fmt.Errorf("encoding session activities: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO presence_sessions (session_id, user_id, status, activities, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET status = $3, activities = $4, updated_at = NOW()`,
		s.SessionID, int64(s.UserID), s.Status, activities,
	)
	if err != nil {
		return fmt.Errorf("upserting presence session: %w", err)
	}
	return nil
}

// DeleteSession removes a session record. Deleting an absent session is
// not an error.
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM presence_sessions WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("deleting presence session: %w", err)
	}
	return nil
}

// SessionsByUser returns every live session for a user.
func (r *SessionRepository) SessionsByUser(ctx context.Context, userID snowflake.ID) ([]guild.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id, user_id, status, activities
		FROM presence_sessions WHERE user_id = $1`,
		int64(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("querying user sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]guild.Session, 0)
	for rows.Next() {
		var (
			s          guild.Session
			uid        int64
			activities []byte
		)
		if err := rows.Scan(&s.SessionID, &uid, &s.Status, &activities); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if len(activities) > 0 {
			if err := json.Unmarshal(activities, &s.Activities); err != nil {
				return nil, fmt.Errorf("decoding session activities: %w", err)
			}
		}
		s.UserID = snowflake.ID(uid)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
