// Package archiver is the cold-path consumer: it tails one bus topic,
// re-validates each event, forwards it to the analytics sink, and flushes
// batched payloads to object storage as parquet files. A batch flushes when
// it reaches the size threshold or when the flush interval elapses,
// whichever comes first; a failed upload retains the batch for the next
// trigger.
package archiver

import (
	"context"
	"fmt"
	"time"

	"pitwatch/internal/bus"
	"pitwatch/internal/events"
	"pitwatch/internal/logger"
	"pitwatch/internal/metrics"
	"pitwatch/pkg/models"
)

// ObjectStore uploads one immutable object.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// AnalyticsSink receives each validated event before it is batched. May be
// nil when only the cold archive is wanted.
type AnalyticsSink interface {
	WriteEvent(ctx context.Context, env models.Envelope) error
}

// Config controls batching.
type Config struct {
	Topic         string
	BatchSize     int
	FlushInterval time.Duration
}

// Archiver consumes one topic into parquet batches.
type Archiver struct {
	consumer  bus.Consumer
	store     ObjectStore
	analytics AnalyticsSink
	cfg       Config

	pending []models.Envelope
}

// New constructs an archiver for one topic.
func New(consumer bus.Consumer, store ObjectStore, analytics AnalyticsSink, cfg Config) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	return &Archiver{consumer: consumer, store: store, analytics: analytics, cfg: cfg}
}

// Add re-validates one event, forwards it to the analytics sink, and appends
// it to the pending batch. Events that no longer pass the catalog are
// dropped and counted; a forward failure is logged but never blocks the
// batch, so the cold archive stays complete even when analytics is down.
func (a *Archiver) Add(ctx context.Context, env models.Envelope) {
	if err := events.Validate(env.Name, env.Payload); err != nil {
		metrics.EventsDropped.WithLabelValues("archive_invalid").Inc()
		logger.Debugf("Archiver dropping invalid %s: %v", env.Name, err)
		return
	}
	if a.analytics != nil {
		if err := a.analytics.WriteEvent(ctx, env); err != nil {
			metrics.SinkFailures.WithLabelValues("analytics").Inc()
			logger.Errorf("Archiver analytics forward failed for %s: %v", env.Name, err)
		}
	}
	a.pending = append(a.pending, env)
}

// Pending returns the size of the unflushed batch.
func (a *Archiver) Pending() int {
	return len(a.pending)
}

// Flush encodes the pending batch and uploads it. On failure the batch is
// kept so the next trigger retries the same rows.
func (a *Archiver) Flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}

	payloads := make([]map[string]any, 0, len(a.pending))
	for _, env := range a.pending {
		row := make(map[string]any, len(env.Payload)+1)
		for k, v := range env.Payload {
			row[k] = v
		}
		row["event"] = env.Name
		payloads = append(payloads, row)
	}

	data, err := encodeParquet(a.cfg.Topic, payloads)
	if err != nil {
		metrics.ArchiverFlushes.WithLabelValues(a.cfg.Topic, "encode_error").Inc()
		return fmt.Errorf("encode archive batch for %s: %w", a.cfg.Topic, err)
	}

	key := fmt.Sprintf("%s/%d.parquet", a.cfg.Topic, time.Now().UnixMilli())
	if err := a.store.Put(ctx, key, data, "application/vnd.apache.parquet"); err != nil {
		metrics.ArchiverFlushes.WithLabelValues(a.cfg.Topic, "upload_error").Inc()
		return fmt.Errorf("upload archive batch %s: %w", key, err)
	}

	logger.Infof("Archived %d events from topic %s to %s", len(a.pending), a.cfg.Topic, key)
	metrics.ArchiverFlushes.WithLabelValues(a.cfg.Topic, "ok").Inc()
	a.pending = nil
	return nil
}

// Run tails the topic until the context is canceled, flushing on size or
// on the interval ticker. The final batch is flushed on shutdown.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	incoming := make(chan models.Envelope)
	readErr := make(chan error, 1)
	go func() {
		defer close(incoming)
		for {
			env, err := a.consumer.Next(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Infof("Archiver started on topic %s", a.cfg.Topic)
	for {
		select {
		case <-ctx.Done():
			a.finalFlush()
			return ctx.Err()
		case err := <-readErr:
			a.finalFlush()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("consume topic %s: %w", a.cfg.Topic, err)
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				logger.Errorf("Archiver flush failed, batch retained: %v", err)
			}
		case env, ok := <-incoming:
			if !ok {
				a.finalFlush()
				// The reader sends its error before closing the channel, so
				// a close observed here may still carry a consume failure.
				select {
				case err := <-readErr:
					if ctx.Err() == nil {
						return fmt.Errorf("consume topic %s: %w", a.cfg.Topic, err)
					}
				default:
				}
				return ctx.Err()
			}
			a.Add(ctx, env)
			if len(a.pending) >= a.cfg.BatchSize {
				if err := a.Flush(ctx); err != nil {
					logger.Errorf("Archiver flush failed, batch retained: %v", err)
				}
			}
		}
	}
}

func (a *Archiver) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		logger.Errorf("Archiver final flush failed, %d events lost: %v", len(a.pending), err)
	}
}
