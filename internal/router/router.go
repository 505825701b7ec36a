// Package router is the ingestion pipeline: it reads the inbound event log,
// validates each event against the catalog, and fans it out concurrently to
// the message bus, the analytics sink, and the raw archive. Delivery is
// at-most-once; cursors advance whether or not a sink accepted the event,
// and failures are logged and counted rather than replayed.
package router

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"pitwatch/internal/bus"
	"pitwatch/internal/events"
	"pitwatch/internal/input/redisstream"
	"pitwatch/internal/logger"
	"pitwatch/internal/metrics"
	"pitwatch/internal/rules"
	"pitwatch/pkg/models"
)

// EventSink accepts one validated event.
type EventSink interface {
	WriteEvent(ctx context.Context, env models.Envelope) error
}

// PresenceRecorder receives the presence observations derived from routed
// events.
type PresenceRecorder interface {
	Record(ctx context.Context, rec models.PresenceRecord) error
}

// Source yields batches of inbound entries.
type Source interface {
	Read(ctx context.Context) ([]redisstream.Entry, error)
	Drain(ctx context.Context) ([]redisstream.Entry, error)
}

// Sinks groups the three fan-out targets. Any of them may be nil, in which
// case that leg is skipped.
type Sinks struct {
	Bus       bus.Publisher
	Analytics EventSink
	Archive   EventSink
	Presence  PresenceRecorder
}

// Router validates and fans out inbound events.
type Router struct {
	source Source
	sinks  Sinks
	engine *rules.Engine
}

// New constructs a router. engine may be nil to disable rule tagging.
func New(source Source, sinks Sinks, engine *rules.Engine) *Router {
	return &Router{source: source, sinks: sinks, engine: engine}
}

// Route validates one event and delivers it to all three sinks
// concurrently. Invalid and unroutable events are dropped and counted.
// A sink failure does not block the other sinks.
func (r *Router) Route(ctx context.Context, env models.Envelope) {
	if err := events.Validate(env.Name, env.Payload); err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		logger.Debugf("Dropping invalid event %s: %v", env.Name, err)
		return
	}
	topic, ok := events.TopicFor(env.Family())
	if !ok {
		metrics.EventsDropped.WithLabelValues("unrouted").Inc()
		logger.Debugf("Dropping event %s: no topic for family %s", env.Name, env.Family())
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.sinks.Bus != nil {
		g.Go(func() error {
			if err := r.sinks.Bus.Publish(gctx, topic, env); err != nil {
				metrics.SinkFailures.WithLabelValues("bus").Inc()
				logger.Errorf("Bus publish failed for %s: %v", env.Name, err)
			}
			return nil
		})
	}
	if r.sinks.Analytics != nil {
		g.Go(func() error {
			if err := r.sinks.Analytics.WriteEvent(gctx, env); err != nil {
				metrics.SinkFailures.WithLabelValues("analytics").Inc()
				logger.Errorf("Analytics write failed for %s: %v", env.Name, err)
			}
			return nil
		})
	}
	if r.sinks.Archive != nil {
		g.Go(func() error {
			if err := r.sinks.Archive.WriteEvent(gctx, env); err != nil {
				metrics.SinkFailures.WithLabelValues("archive").Inc()
				logger.Errorf("Archive write failed for %s: %v", env.Name, err)
			}
			return nil
		})
	}
	g.Wait()

	metrics.EventsRouted.WithLabelValues(env.Family()).Inc()
	r.recordPresence(ctx, env)
	r.applyRules(ctx, env, topic)
}

// recordPresence feeds the presence index: logins carry the full identity
// triple, player actions just their timestamps.
func (r *Router) recordPresence(ctx context.Context, env models.Envelope) {
	if r.sinks.Presence == nil {
		return
	}

	var rec models.PresenceRecord
	switch {
	case env.Name == "auth.login":
		rec.UserID, _ = env.Payload["userId"].(string)
		rec.DeviceID, _ = env.Payload["deviceId"].(string)
		rec.IP, _ = env.Payload["ip"].(string)
		if ms, ok := asInt64(env.Payload["ts"]); ok && ms > 0 {
			rec.Timestamp = time.UnixMilli(ms)
		}
	case env.Family() == "action":
		rec.UserID, _ = env.Payload["playerId"].(string)
	default:
		return
	}
	if rec.UserID == "" {
		return
	}

	if err := r.sinks.Presence.Record(ctx, rec); err != nil {
		metrics.SinkFailures.WithLabelValues("presence").Inc()
		logger.Errorf("Presence record failed for %s: %v", env.Name, err)
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// applyRules evaluates the optional Sigma engine and routes one derived
// flag per matched rule through the full fan-out, so flags land on the bus,
// the analytics sink, and the archive like any other event. The antiCheat
// family guard keeps derived flags from re-entering the engine.
func (r *Router) applyRules(ctx context.Context, env models.Envelope, topic string) {
	if r.engine == nil || env.Family() == "antiCheat" {
		return
	}
	for _, title := range r.engine.Apply(ctx, env) {
		logger.Infof("Rule %q matched event %s on topic %s", title, env.Name, topic)
		r.Route(ctx, models.Envelope{
			Name: "antiCheat.flag",
			Payload: map[string]any{
				"sessionId": "rule:" + title,
				"features":  map[string]any{"rule": title, "event": env.Name},
			},
		})
	}
}

// Run consumes the event log until the context is canceled.
func (r *Router) Run(ctx context.Context) error {
	logger.Infof("Ingestion router started")
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Ingestion router stopped")
			return ctx.Err()
		default:
		}

		entries, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("Event log read failed: %v", err)
			continue
		}
		for _, entry := range entries {
			r.Route(ctx, entry.Envelope)
		}
	}
}

// DrainOnce processes everything currently in the event log and returns the
// number of entries seen, routed or dropped alike.
func (r *Router) DrainOnce(ctx context.Context) (int, error) {
	entries, err := r.source.Drain(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		r.Route(ctx, entry.Envelope)
	}
	logger.Infof("Drained %d entries from the event log", len(entries))
	return len(entries), nil
}
