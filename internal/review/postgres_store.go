package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pitwatch/internal/metrics"
	"pitwatch/pkg/models"
)

// PostgresStore keeps flagged sessions in two tables: a current-state row
// per session and an append-only action log. Transitions run inside a
// transaction with the session row locked, so concurrent reviewers cannot
// both advance the same session.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS flagged_sessions (
	session_id TEXT PRIMARY KEY,
	users      JSONB NOT NULL,
	status     TEXT NOT NULL,
	features   JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS review_actions (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES flagged_sessions(session_id),
	action      TEXT NOT NULL,
	reviewer_id TEXT NOT NULL DEFAULT '',
	applied_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS review_actions_session_idx ON review_actions(session_id, id);
`

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres review store: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure review schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Flag inserts a new flagged session. A duplicate id is rejected.
func (s *PostgresStore) Flag(ctx context.Context, session models.FlaggedSession) error {
	if session.SessionID == "" {
		return fmt.Errorf("flag session without id")
	}
	if session.Status == "" {
		session.Status = models.StatusFlagged
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	users, err := json.Marshal(session.Users)
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	var features []byte
	if session.Features != nil {
		features, err = json.Marshal(session.Features)
		if err != nil {
			return fmt.Errorf("encode features: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flagged_sessions (session_id, users, status, features, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING`,
		session.SessionID, users, string(session.Status), features, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert flagged session %s: %w", session.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFlagged
	}

	metrics.ReviewActions.WithLabelValues(string(models.StatusFlagged)).Inc()
	return nil
}

// ApplyAction advances a session one rung inside a transaction. The session
// row is locked for the duration so the read-check-write is atomic.
func (s *PostgresStore) ApplyAction(ctx context.Context, sessionID string, action models.ReviewStatus, reviewerID string) (models.FlaggedSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("begin transition on %s: %w", sessionID, err)
	}
	defer tx.Rollback(ctx)

	var (
		usersRaw    []byte
		statusStr   string
		featuresRaw []byte
		createdAt   time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT users, status, features, created_at
		FROM flagged_sessions WHERE session_id = $1 FOR UPDATE`,
		sessionID).Scan(&usersRaw, &statusStr, &featuresRaw, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FlaggedSession{}, ErrNotFound
	}
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("lock flagged session %s: %w", sessionID, err)
	}

	session := models.FlaggedSession{
		SessionID: sessionID,
		Status:    models.ReviewStatus(statusStr),
		CreatedAt: createdAt,
	}
	if err := json.Unmarshal(usersRaw, &session.Users); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("decode users for %s: %w", sessionID, err)
	}
	if len(featuresRaw) > 0 {
		session.Features = &models.CollusionFeatures{}
		if err := json.Unmarshal(featuresRaw, session.Features); err != nil {
			return models.FlaggedSession{}, fmt.Errorf("decode features for %s: %w", sessionID, err)
		}
	}
	history, err := historyTx(ctx, tx, sessionID)
	if err != nil {
		return models.FlaggedSession{}, err
	}
	session.History = history

	now := time.Now().UTC()
	if err := applyTransition(&session, action, reviewerID, now); err != nil {
		return models.FlaggedSession{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE flagged_sessions SET status = $2 WHERE session_id = $1`,
		sessionID, string(action)); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("update status on %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO review_actions (session_id, action, reviewer_id, applied_at)
		VALUES ($1, $2, $3, $4)`,
		sessionID, string(action), reviewerID, now); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("append action on %s: %w", sessionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("commit transition on %s: %w", sessionID, err)
	}

	metrics.ReviewActions.WithLabelValues(string(action)).Inc()
	return session, nil
}

// Get returns a flagged session with its full history.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (models.FlaggedSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, users, status, features, created_at
		FROM flagged_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("read flagged session %s: %w", sessionID, err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return models.FlaggedSession{}, err
	}
	if len(sessions) == 0 {
		return models.FlaggedSession{}, ErrNotFound
	}
	session := sessions[0]
	session.History, err = s.History(ctx, sessionID)
	if err != nil {
		return models.FlaggedSession{}, err
	}
	return session, nil
}

// List returns one page of flagged sessions in creation order.
func (s *PostgresStore) List(ctx context.Context, q ListQuery) (ListResult, error) {
	q = q.normalize()

	where, args := "", []any{}
	if q.Status != "" {
		where = "WHERE status = $1"
		args = append(args, string(q.Status))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM flagged_sessions "+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count flagged sessions: %w", err)
	}

	offset := (q.Page - 1) * q.PageSize
	query := fmt.Sprintf(`
		SELECT session_id, users, status, features, created_at
		FROM flagged_sessions %s
		ORDER BY created_at, session_id
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, q.PageSize, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list flagged sessions: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return ListResult{}, err
	}

	return ListResult{Sessions: sessions, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// History returns a session's actions, oldest first.
func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]models.ActionEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM flagged_sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check flagged session %s: %w", sessionID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return historyTx(ctx, s.pool, sessionID)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func historyTx(ctx context.Context, q querier, sessionID string) ([]models.ActionEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT action, reviewer_id, applied_at
		FROM review_actions WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.ActionEntry
	for rows.Next() {
		var (
			action   string
			reviewer string
			applied  time.Time
		)
		if err := rows.Scan(&action, &reviewer, &applied); err != nil {
			return nil, fmt.Errorf("scan action entry for %s: %w", sessionID, err)
		}
		out = append(out, models.ActionEntry{
			Action:     models.ReviewStatus(action),
			Timestamp:  applied,
			ReviewerID: reviewer,
		})
	}
	return out, rows.Err()
}

func scanSessions(rows pgx.Rows) ([]models.FlaggedSession, error) {
	defer rows.Close()

	var out []models.FlaggedSession
	for rows.Next() {
		var (
			session     models.FlaggedSession
			usersRaw    []byte
			statusStr   string
			featuresRaw []byte
		)
		if err := rows.Scan(&session.SessionID, &usersRaw, &statusStr, &featuresRaw, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flagged session: %w", err)
		}
		session.Status = models.ReviewStatus(statusStr)
		if err := json.Unmarshal(usersRaw, &session.Users); err != nil {
			return nil, fmt.Errorf("decode users for %s: %w", session.SessionID, err)
		}
		if len(featuresRaw) > 0 {
			session.Features = &models.CollusionFeatures{}
			if err := json.Unmarshal(featuresRaw, session.Features); err != nil {
				return nil, fmt.Errorf("decode features for %s: %w", session.SessionID, err)
			}
		}
		out = append(out, session)
	}
	return out, rows.Err()
}
