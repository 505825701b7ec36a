// Package presence maintains the Redis-backed presence index: which devices
// and network addresses each player has been seen on, and when they acted.
// The index is append-only and survives process restarts.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pitwatch/internal/features"
	"pitwatch/pkg/models"
)

// Config configures Redis access for the presence index.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Index stores presence observations in Redis sets and lists.
type Index struct {
	client *redis.Client
	prefix string
}

// NewIndex constructs a Redis-backed presence index and verifies
// connectivity.
func NewIndex(cfg Config) (*Index, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "pitwatch:presence"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis presence index: %w", err)
	}

	return &Index{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// NewIndexWithClient wraps an existing client. Used by tests and by daemons
// that share one connection across stores.
func NewIndexWithClient(client *redis.Client, prefix string) *Index {
	if strings.TrimSpace(prefix) == "" {
		prefix = "pitwatch:presence"
	}
	return &Index{client: client, prefix: prefix}
}

// Record appends one presence observation. Device and IP memberships go to
// both directions (value -> users and user -> values) so cluster queries
// need no scans; the action timestamp is appended to the user's time list.
func (ix *Index) Record(ctx context.Context, rec models.PresenceRecord) error {
	user := strings.TrimSpace(rec.UserID)
	if user == "" {
		return fmt.Errorf("presence record without user id")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	pipe := ix.client.Pipeline()
	if device := strings.TrimSpace(rec.DeviceID); device != "" {
		pipe.SAdd(ctx, ix.deviceKey(device), user)
		pipe.SAdd(ctx, ix.userDevicesKey(user), device)
	}
	if ip := strings.TrimSpace(rec.IP); ip != "" {
		pipe.SAdd(ctx, ix.ipKey(ip), user)
		pipe.SAdd(ctx, ix.userIPsKey(user), ip)
	}
	pipe.RPush(ctx, ix.userTimesKey(user), strconv.FormatInt(ts.UnixMilli(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record presence for %s: %w", user, err)
	}
	return nil
}

// DeviceUsers returns every user ever seen on the given device.
func (ix *Index) DeviceUsers(ctx context.Context, device string) ([]string, error) {
	users, err := ix.client.SMembers(ctx, ix.deviceKey(device)).Result()
	if err != nil {
		return nil, fmt.Errorf("read users for device %s: %w", device, err)
	}
	return users, nil
}

// IPUsers returns every user ever seen on the given network address.
func (ix *Index) IPUsers(ctx context.Context, ip string) ([]string, error) {
	users, err := ix.client.SMembers(ctx, ix.ipKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("read users for ip %s: %w", ip, err)
	}
	return users, nil
}

// DeviceCluster returns, for the given users, each device seen on more than
// one of them, mapped to its users.
func (ix *Index) DeviceCluster(ctx context.Context, users []string) (map[string][]string, error) {
	return ix.cluster(ctx, users, ix.userDevicesKey)
}

// IPCluster returns, for the given users, each IP seen on more than one of
// them, mapped to its users.
func (ix *Index) IPCluster(ctx context.Context, users []string) (map[string][]string, error) {
	return ix.cluster(ctx, users, ix.userIPsKey)
}

func (ix *Index) cluster(ctx context.Context, users []string, keyFn func(string) string) (map[string][]string, error) {
	userValues := make(map[string][]string, len(users))
	for _, user := range users {
		values, err := ix.client.SMembers(ctx, keyFn(user)).Result()
		if err != nil {
			return nil, fmt.Errorf("read presence values for %s: %w", user, err)
		}
		userValues[user] = values
	}
	return features.ClusterBySharedValues(userValues), nil
}

// Timestamps returns the most recent n action timestamps for a user, in
// milliseconds, oldest first.
func (ix *Index) Timestamps(ctx context.Context, user string, n int64) ([]int64, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := ix.client.LRange(ctx, ix.userTimesKey(user), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read action times for %s: %w", user, err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ms)
	}
	return out, nil
}

// HasFastActions reports whether any two consecutive actions in the user's
// recent window landed closer together than thresholdMs.
func (ix *Index) HasFastActions(ctx context.Context, user string, window int64, thresholdMs int64) (bool, error) {
	times, err := ix.Timestamps(ctx, user, window)
	if err != nil {
		return false, err
	}
	return features.HasFastGaps(times, thresholdMs), nil
}

// Close closes Redis resources.
func (ix *Index) Close() error {
	if ix == nil || ix.client == nil {
		return nil
	}
	return ix.client.Close()
}

func (ix *Index) deviceKey(device string) string {
	return ix.prefix + ":device:" + device
}

func (ix *Index) ipKey(ip string) string {
	return ix.prefix + ":ip:" + ip
}

func (ix *Index) userDevicesKey(user string) string {
	return ix.prefix + ":user:" + user + ":devices"
}

func (ix *Index) userIPsKey(user string) string {
	return ix.prefix + ":user:" + user + ":ips"
}

func (ix *Index) userTimesKey(user string) string {
	return ix.prefix + ":user:" + user + ":times"
}
