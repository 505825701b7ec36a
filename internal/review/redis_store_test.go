package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"pitwatch/pkg/models"
)

func testStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "test:review"), mr
}

func flagSession(t *testing.T, store *RedisStore, id string, users ...string) {
	t.Helper()
	err := store.Flag(context.Background(), models.FlaggedSession{
		SessionID: id,
		Users:     users,
		Features:  &models.CollusionFeatures{VpipCorrelation: 0.95},
	})
	if err != nil {
		t.Fatalf("flag %s: %v", id, err)
	}
}

func TestFlagRejectsDuplicates(t *testing.T) {
	store, _ := testStore(t)
	flagSession(t, store, "s1", "u1", "u2")

	err := store.Flag(context.Background(), models.FlaggedSession{SessionID: "s1", Users: []string{"u3"}})
	if err != ErrAlreadyFlagged {
		t.Fatalf("duplicate flag: got %v want ErrAlreadyFlagged", err)
	}

	// The original flag is untouched.
	session, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get after duplicate flag: %v", err)
	}
	if len(session.Users) != 2 || session.Status != models.StatusFlagged {
		t.Fatalf("flag overwritten: %+v", session)
	}
}

func TestFullEscalationPath(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	flagSession(t, store, "s1", "u1", "u2")

	for _, action := range []models.ReviewStatus{models.StatusWarn, models.StatusRestrict, models.StatusBan} {
		session, err := store.ApplyAction(ctx, "s1", action, "rev-1")
		if err != nil {
			t.Fatalf("apply %s: %v", action, err)
		}
		if session.Status != action {
			t.Fatalf("status after %s: %s", action, session.Status)
		}
	}

	history, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	want := []models.ReviewStatus{models.StatusWarn, models.StatusRestrict, models.StatusBan}
	for i, entry := range history {
		if entry.Action != want[i] {
			t.Fatalf("history[%d] = %s want %s", i, entry.Action, want[i])
		}
		if entry.ReviewerID != "rev-1" {
			t.Fatalf("history[%d] reviewer = %q", i, entry.ReviewerID)
		}
	}

	if _, err := store.ApplyAction(ctx, "s1", models.StatusBan, "rev-1"); err != ErrInvalidTransition {
		t.Fatalf("action after ban: got %v want ErrInvalidTransition", err)
	}
}

func TestApplyActionErrors(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	if _, err := store.ApplyAction(ctx, "missing", models.StatusWarn, "rev"); err != ErrNotFound {
		t.Fatalf("action on missing session: got %v want ErrNotFound", err)
	}

	flagSession(t, store, "s1", "u1", "u2")
	if _, err := store.ApplyAction(ctx, "s1", models.StatusBan, "rev"); err != ErrInvalidTransition {
		t.Fatalf("skip to ban: got %v want ErrInvalidTransition", err)
	}
	session, err := store.Get(ctx, "s1")
	if err != nil || session.Status != models.StatusFlagged {
		t.Fatalf("rejected action mutated session: %+v err=%v", session, err)
	}
	history, err := store.History(ctx, "s1")
	if err != nil || len(history) != 0 {
		t.Fatalf("rejected action wrote history: %v err=%v", history, err)
	}
}

func TestListPagingAndFilter(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		err := store.Flag(ctx, models.FlaggedSession{
			SessionID: id,
			Users:     []string{"u1", "u2"},
			CreatedAt: time.UnixMilli(int64(1_700_000_000_000 + i)),
		})
		if err != nil {
			t.Fatalf("flag %s: %v", id, err)
		}
	}
	if _, err := store.ApplyAction(ctx, "s2", models.StatusWarn, "rev"); err != nil {
		t.Fatalf("warn s2: %v", err)
	}

	page, err := store.List(ctx, ListQuery{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if page.Total != 5 || len(page.Sessions) != 2 {
		t.Fatalf("page 1: total=%d len=%d", page.Total, len(page.Sessions))
	}
	if page.Sessions[0].SessionID != "s0" || page.Sessions[1].SessionID != "s1" {
		t.Fatalf("page 1 out of creation order: %s %s", page.Sessions[0].SessionID, page.Sessions[1].SessionID)
	}

	page3, err := store.List(ctx, ListQuery{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page3.Sessions) != 1 || page3.Sessions[0].SessionID != "s4" {
		t.Fatalf("page 3 unexpected: %+v", page3.Sessions)
	}

	warned, err := store.List(ctx, ListQuery{Page: 1, PageSize: 10, Status: models.StatusWarn})
	if err != nil {
		t.Fatalf("list warned: %v", err)
	}
	if warned.Total != 1 || warned.Sessions[0].SessionID != "s2" {
		t.Fatalf("status filter unexpected: %+v", warned)
	}

	empty, err := store.List(ctx, ListQuery{Page: 99, PageSize: 10})
	if err != nil || len(empty.Sessions) != 0 || empty.Total != 5 {
		t.Fatalf("out-of-range page: %+v err=%v", empty, err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:review")
	flagSession(t, store, "s1", "u1", "u2")
	if _, err := store.ApplyAction(ctx, "s1", models.StatusWarn, "rev"); err != nil {
		t.Fatalf("warn: %v", err)
	}
	client.Close()

	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	store2 := NewRedisStoreWithClient(client2, "test:review")

	session, err := store2.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if session.Status != models.StatusWarn || len(session.History) != 1 {
		t.Fatalf("state lost across restart: %+v", session)
	}

	// The machine resumes exactly where it stopped.
	if _, err := store2.ApplyAction(ctx, "s1", models.StatusRestrict, "rev"); err != nil {
		t.Fatalf("restrict after restart: %v", err)
	}
}
