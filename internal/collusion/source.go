package collusion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pitwatch/internal/logger"
	"pitwatch/pkg/models"
)

// candidateDoc is the wire form game services push for each active session
// group worth inspecting.
type candidateDoc struct {
	SessionID string               `json:"sessionId"`
	Users     []string             `json:"users"`
	Vpip      map[string][]float64 `json:"vpip,omitempty"`
	Seats     map[string][]float64 `json:"seats,omitempty"`
	Transfers []models.Transfer    `json:"transfers,omitempty"`
}

// RedisCandidateSource reads candidate session groups from a Redis hash
// keyed by session id. Game services upsert entries as tables run; entries
// for finished sessions are expected to be removed by their writers.
type RedisCandidateSource struct {
	client *redis.Client
	key    string
}

// NewRedisCandidateSource constructs a candidate source and verifies
// connectivity.
func NewRedisCandidateSource(addr, password string, db int, key string) (*RedisCandidateSource, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis candidate source: %w", err)
	}
	return NewRedisCandidateSourceWithClient(client, key), nil
}

// NewRedisCandidateSourceWithClient wraps an existing client. Used by tests.
func NewRedisCandidateSourceWithClient(client *redis.Client, key string) *RedisCandidateSource {
	if strings.TrimSpace(key) == "" {
		key = "pitwatch:detect:candidates"
	}
	return &RedisCandidateSource{client: client, key: key}
}

// Candidates returns every stored candidate. Undecodable entries are logged
// and skipped.
func (s *RedisCandidateSource) Candidates(ctx context.Context) ([]Candidate, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read candidate hash: %w", err)
	}

	out := make([]Candidate, 0, len(entries))
	for sessionID, raw := range entries {
		var doc candidateDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			logger.Warnf("Skipping undecodable candidate %s: %v", sessionID, err)
			continue
		}
		if doc.SessionID == "" {
			doc.SessionID = sessionID
		}
		out = append(out, Candidate{
			SessionID: doc.SessionID,
			Inputs: Inputs{
				Users:     doc.Users,
				Vpip:      doc.Vpip,
				Seats:     doc.Seats,
				Transfers: doc.Transfers,
			},
		})
	}
	return out, nil
}

// Close closes Redis resources.
func (s *RedisCandidateSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
