package archiver

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"

	"pitwatch/pkg/models"
)

type storedObject struct {
	Key         string
	Data        []byte
	ContentType string
}

type fakeStore struct {
	mu      sync.Mutex
	objects []storedObject
	err     error
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.objects = append(f.objects, storedObject{Key: key, Data: data, ContentType: contentType})
	return nil
}

const accountUUID = "00000000-0000-4000-8000-000000000001"

func walletCredit(amount float64) models.Envelope {
	return models.Envelope{
		Name: "wallet.credit",
		Payload: map[string]any{
			"accountId": accountUUID, "amount": amount,
			"refType": "deposit", "refId": "r1", "currency": "USD",
		},
	}
}

func readRows(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	reader := parquet.NewGenericReader[map[string]any](f, f.Schema())
	defer reader.Close()

	out := make([]map[string]any, 0, f.NumRows())
	buf := make([]map[string]any, 8)
	for {
		for i := range buf {
			buf[i] = map[string]any{}
		}
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out
}

func TestFlushWritesParquetBatch(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, nil, Config{Topic: "wallet", BatchSize: 100})

	a.Add(context.Background(), walletCredit(100))
	a.Add(context.Background(), walletCredit(250.5))

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("batch not cleared after flush: %d", a.Pending())
	}
	if len(store.objects) != 1 {
		t.Fatalf("stored %d objects, want 1", len(store.objects))
	}
	obj := store.objects[0]
	if !strings.HasPrefix(obj.Key, "wallet/") || !strings.HasSuffix(obj.Key, ".parquet") {
		t.Fatalf("unexpected object key %q", obj.Key)
	}

	rows := readRows(t, obj.Data)
	if len(rows) != 2 {
		t.Fatalf("parquet holds %d rows, want 2", len(rows))
	}
	if rows[0]["event"] != "wallet.credit" {
		t.Fatalf("event name column missing: %v", rows[0])
	}
	// Numeric payload fields survive as doubles.
	if amt, ok := rows[1]["amount"].(float64); !ok || amt != 250.5 {
		t.Fatalf("amount column: %v (%T)", rows[1]["amount"], rows[1]["amount"])
	}
}

func TestFailedFlushRetainsBatch(t *testing.T) {
	store := &fakeStore{err: errors.New("bucket unavailable")}
	a := New(nil, store, nil, Config{Topic: "wallet", BatchSize: 100})

	a.Add(context.Background(), walletCredit(10))
	if err := a.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if a.Pending() != 1 {
		t.Fatalf("failed flush dropped the batch: pending=%d", a.Pending())
	}

	// Once the store recovers, the retained rows flush intact.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if a.Pending() != 0 || len(store.objects) != 1 {
		t.Fatalf("retry did not deliver retained batch: pending=%d objects=%d", a.Pending(), len(store.objects))
	}
	if rows := readRows(t, store.objects[0].Data); len(rows) != 1 {
		t.Fatalf("retained batch row count %d, want 1", len(rows))
	}
}

func TestAddRejectsInvalidEvents(t *testing.T) {
	a := New(nil, &fakeStore{}, nil, Config{Topic: "wallet"})

	a.Add(context.Background(), models.Envelope{Name: "wallet.credit", Payload: map[string]any{"amount": 5}})
	a.Add(context.Background(), models.Envelope{Name: "nosuch.event", Payload: map[string]any{}})
	if a.Pending() != 0 {
		t.Fatalf("invalid events entered the batch: %d", a.Pending())
	}
}

type fakeAnalytics struct {
	mu     sync.Mutex
	events []models.Envelope
	err    error
}

func (f *fakeAnalytics) WriteEvent(_ context.Context, env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, env)
	return nil
}

func TestAddForwardsToAnalytics(t *testing.T) {
	analytics := &fakeAnalytics{}
	a := New(nil, &fakeStore{}, analytics, Config{Topic: "wallet"})
	ctx := context.Background()

	a.Add(ctx, walletCredit(100))
	a.Add(ctx, models.Envelope{Name: "wallet.credit", Payload: map[string]any{"amount": 5}})

	if len(analytics.events) != 1 {
		t.Fatalf("forwarded %d events, want 1 (invalid must not forward)", len(analytics.events))
	}
	if analytics.events[0].Payload["accountId"] != accountUUID {
		t.Fatalf("forwarded payload mutated: %v", analytics.events[0].Payload)
	}
	if a.Pending() != 1 {
		t.Fatalf("pending batch size %d, want 1", a.Pending())
	}
}

func TestAnalyticsFailureDoesNotBlockBatch(t *testing.T) {
	analytics := &fakeAnalytics{err: errors.New("clickhouse down")}
	a := New(nil, &fakeStore{}, analytics, Config{Topic: "wallet"})

	a.Add(context.Background(), walletCredit(100))
	if a.Pending() != 1 {
		t.Fatalf("analytics failure kept event out of the batch: pending=%d", a.Pending())
	}
}

type failingConsumer struct {
	err error
}

func (f *failingConsumer) Next(context.Context) (models.Envelope, error) {
	return models.Envelope{}, f.err
}

func (f *failingConsumer) Close() error { return nil }

func TestRunSurfacesConsumerError(t *testing.T) {
	a := New(&failingConsumer{err: errors.New("broker gone")}, &fakeStore{}, nil, Config{Topic: "wallet"})

	err := a.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Fatalf("consumer failure not surfaced: %v", err)
	}
}

func TestHeterogeneousBatchDropsLateColumns(t *testing.T) {
	store := &fakeStore{}
	a := New(nil, store, nil, Config{Topic: "hand", BatchSize: 100})

	a.Add(context.Background(), models.Envelope{
		Name:    "action.fold",
		Payload: map[string]any{"handId": accountUUID, "playerId": accountUUID},
	})
	a.Add(context.Background(), models.Envelope{
		Name:    "action.bet",
		Payload: map[string]any{"handId": accountUUID, "playerId": accountUUID, "amount": 40.0},
	})

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rows := readRows(t, store.objects[0].Data)
	if len(rows) != 2 {
		t.Fatalf("row count %d, want 2", len(rows))
	}
	// The first row had no amount field, so the column does not exist and
	// the second row's amount is gone.
	for _, row := range rows {
		if _, ok := row["amount"]; ok && row["amount"] != nil {
			t.Fatalf("schema gained a column absent from the first row: %v", row)
		}
	}
}
