package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"pitwatch/pkg/models"
)

func testIndex(t *testing.T) (*Index, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewIndexWithClient(client, "test:presence"), mr
}

func record(t *testing.T, ix *Index, user, device, ip string, ts time.Time) {
	t.Helper()
	err := ix.Record(context.Background(), models.PresenceRecord{
		UserID: user, DeviceID: device, IP: ip, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("record presence: %v", err)
	}
}

func TestDeviceAndIPClusters(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()
	now := time.Now()

	record(t, ix, "u1", "dev-a", "10.0.0.1", now)
	record(t, ix, "u2", "dev-a", "10.0.0.2", now)
	record(t, ix, "u3", "dev-b", "10.0.0.2", now)

	devices, err := ix.DeviceCluster(ctx, []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("device cluster: %v", err)
	}
	if len(devices) != 1 || len(devices["dev-a"]) != 2 {
		t.Fatalf("unexpected device clusters %v", devices)
	}

	ips, err := ix.IPCluster(ctx, []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("ip cluster: %v", err)
	}
	if len(ips) != 1 || len(ips["10.0.0.2"]) != 2 {
		t.Fatalf("unexpected ip clusters %v", ips)
	}

	// A cluster query over a subset must not see the excluded user.
	ips, err = ix.IPCluster(ctx, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("ip cluster subset: %v", err)
	}
	if len(ips) != 0 {
		t.Fatalf("expected no shared IPs in subset, got %v", ips)
	}
}

func TestDeviceAndIPUserLookups(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()
	now := time.Now()

	record(t, ix, "u1", "dev-a", "10.0.0.1", now)
	record(t, ix, "u2", "dev-a", "10.0.0.2", now)
	record(t, ix, "u3", "dev-b", "10.0.0.2", now)

	users, err := ix.DeviceUsers(ctx, "dev-a")
	if err != nil {
		t.Fatalf("device users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("dev-a users: %v", users)
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u] = true
	}
	if !seen["u1"] || !seen["u2"] {
		t.Fatalf("dev-a missing a user: %v", users)
	}

	users, err = ix.IPUsers(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("ip users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("10.0.0.2 users: %v", users)
	}

	users, err = ix.IPUsers(ctx, "10.9.9.9")
	if err != nil || len(users) != 0 {
		t.Fatalf("unseen ip: users=%v err=%v", users, err)
	}
}

func TestTimestampsWindow(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 60; i++ {
		record(t, ix, "u1", "dev-a", "10.0.0.1", base.Add(time.Duration(i)*time.Second))
	}

	times, err := ix.Timestamps(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("timestamps: %v", err)
	}
	if len(times) != 50 {
		t.Fatalf("expected 50 recent timestamps, got %d", len(times))
	}
	if times[0] != base.Add(10*time.Second).UnixMilli() {
		t.Fatalf("window did not drop oldest entries, first=%d", times[0])
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
}

func TestHasFastActions(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	record(t, ix, "slow", "d", "1.1.1.1", base)
	record(t, ix, "slow", "d", "1.1.1.1", base.Add(2*time.Second))
	fast, err := ix.HasFastActions(ctx, "slow", 50, 100)
	if err != nil || fast {
		t.Fatalf("slow user flagged fast: fast=%v err=%v", fast, err)
	}

	record(t, ix, "bot", "d", "1.1.1.1", base)
	record(t, ix, "bot", "d", "1.1.1.1", base.Add(40*time.Millisecond))
	fast, err = ix.HasFastActions(ctx, "bot", 50, 100)
	if err != nil || !fast {
		t.Fatalf("bot user not flagged fast: fast=%v err=%v", fast, err)
	}
}

func TestIndexSurvivesReconstruction(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	ix := NewIndexWithClient(client, "test:presence")
	record(t, ix, "u1", "dev-a", "10.0.0.1", time.Now())
	record(t, ix, "u2", "dev-a", "10.0.0.1", time.Now())
	client.Close()

	// A fresh client over the same keys sees the same clusters.
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	ix2 := NewIndexWithClient(client2, "test:presence")

	devices, err := ix2.DeviceCluster(ctx, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("device cluster after reconnect: %v", err)
	}
	if len(devices["dev-a"]) != 2 {
		t.Fatalf("presence state lost across reconstruction: %v", devices)
	}
}
