// Package clickhouse is the analytics sink: per-event-name tables written
// over the ClickHouse HTTP interface in JSONEachRow format.
package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pitwatch/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts event payloads into per-event tables. The table name is
// derived from the event name, dots replaced by underscores.
type Writer struct {
	base    string
	headers map[string]string
	db      string
	client  *http.Client
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		base:    strings.TrimRight(cfg.URL, "/"),
		headers: headers,
		db:      cfg.Database,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// WriteEvent inserts one event payload into its table.
func (w *Writer) WriteEvent(ctx context.Context, env models.Envelope) error {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(env.Payload); err != nil {
		return fmt.Errorf("marshal %s payload: %w", env.Name, err)
	}
	return w.post(ctx, env.Table(), &body)
}

// WriteRows inserts a batch of payload rows into a single table.
func (w *Writer) WriteRows(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal row for %s: %w", table, err)
		}
	}
	return w.post(ctx, table, &body)
}

func (w *Writer) post(ctx context.Context, table string, body io.Reader) error {
	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(w.db), quoteIdent(table))
	endpoint := w.base + "/?query=" + url.QueryEscape(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create clickhouse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse insert into %s failed with status %s: %s",
			table, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
