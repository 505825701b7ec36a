package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pitwatch/internal/metrics"
	"pitwatch/pkg/models"
)

// RedisConfig configures Redis access for the escalation store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps flagged sessions as JSON values with a creation-ordered
// index and a per-session append-only history list. A striped in-process
// mutex serializes read-modify-write transitions per session.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore constructs a Redis-backed escalation store and verifies
// connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis review store: %w", err)
	}

	return newRedisStore(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return newRedisStore(client, prefix)
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "pitwatch:review"
	}
	return &RedisStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *RedisStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Flag persists a new flagged session. An existing session id is rejected.
func (s *RedisStore) Flag(ctx context.Context, session models.FlaggedSession) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return fmt.Errorf("flag session without id")
	}
	if session.Status == "" {
		session.Status = models.StatusFlagged
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	lock := s.sessionLock(session.SessionID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode flagged session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(session.SessionID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("store flagged session %s: %w", session.SessionID, err)
	}
	if !ok {
		return ErrAlreadyFlagged
	}

	err = s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(session.CreatedAt.UnixMilli()),
		Member: session.SessionID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index flagged session %s: %w", session.SessionID, err)
	}

	metrics.ReviewActions.WithLabelValues(string(models.StatusFlagged)).Inc()
	return nil
}

// ApplyAction advances a session one rung and appends the action to its
// durable history. The session lock makes the read-modify-write atomic
// against concurrent reviewers in this process.
func (s *RedisStore) ApplyAction(ctx context.Context, sessionID string, action models.ReviewStatus, reviewerID string) (models.FlaggedSession, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return models.FlaggedSession{}, err
	}

	now := time.Now().UTC()
	if err := applyTransition(&session, action, reviewerID, now); err != nil {
		return models.FlaggedSession{}, err
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("encode flagged session: %w", err)
	}
	entryRaw, err := json.Marshal(session.History[len(session.History)-1])
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("encode action entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sessionID), raw, 0)
	pipe.RPush(ctx, s.historyKey(sessionID), entryRaw)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("persist action on %s: %w", sessionID, err)
	}

	metrics.ReviewActions.WithLabelValues(string(action)).Inc()
	return session, nil
}

// Get returns a flagged session by id.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (models.FlaggedSession, error) {
	return s.load(ctx, sessionID)
}

// List returns one page of flagged sessions in creation order. Status
// filtering happens after the ordered read, so paging stays stable while
// sessions escalate.
func (s *RedisStore) List(ctx context.Context, q ListQuery) (ListResult, error) {
	q = q.normalize()

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return ListResult{}, fmt.Errorf("read session index: %w", err)
	}

	matched := make([]models.FlaggedSession, 0, len(ids))
	for _, id := range ids {
		session, err := s.load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return ListResult{}, err
		}
		if q.Status != "" && session.Status != q.Status {
			continue
		}
		matched = append(matched, session)
	}

	start := (q.Page - 1) * q.PageSize
	end := start + q.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	return ListResult{
		Sessions: matched[start:end],
		Total:    len(matched),
		Page:     q.Page,
		PageSize: q.PageSize,
	}, nil
}

// History returns the action history of a session, oldest first.
func (s *RedisStore) History(ctx context.Context, sessionID string) ([]models.ActionEntry, error) {
	if _, err := s.load(ctx, sessionID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", sessionID, err)
	}
	out := make([]models.ActionEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.ActionEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode action entry for %s: %w", sessionID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (models.FlaggedSession, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return models.FlaggedSession{}, ErrNotFound
	}
	if err != nil {
		return models.FlaggedSession{}, fmt.Errorf("read flagged session %s: %w", sessionID, err)
	}
	var session models.FlaggedSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return models.FlaggedSession{}, fmt.Errorf("decode flagged session %s: %w", sessionID, err)
	}
	return session, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func (s *RedisStore) historyKey(sessionID string) string {
	return s.prefix + ":history:" + sessionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}
