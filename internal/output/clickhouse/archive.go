package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pitwatch/pkg/models"
)

// archiveTable holds the raw copy of every routed event, original name and
// payload intact.
const archiveTable = "events_archive"

// RawArchive is the router's third fan-out leg: a single append-only table
// keyed by event name with the payload stored verbatim.
type RawArchive struct {
	w *Writer
}

// NewRawArchive wraps a writer for raw archiving.
func NewRawArchive(w *Writer) *RawArchive {
	return &RawArchive{w: w}
}

// WriteEvent appends one event to the archive table.
func (a *RawArchive) WriteEvent(ctx context.Context, env models.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal archive payload for %s: %w", env.Name, err)
	}
	row := map[string]any{
		"event":       env.Name,
		"payload":     string(payload),
		"received_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	return a.w.WriteRows(ctx, archiveTable, []map[string]any{row})
}
