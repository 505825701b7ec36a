package models

import "strings"

// Envelope is the unit of work flowing through the ingestion pipeline:
// a dot-namespaced event name plus its decoded JSON payload.
type Envelope struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Family returns the event family, the segment before the first dot.
// A name without a dot is its own family.
func (e Envelope) Family() string {
	if idx := strings.Index(e.Name, "."); idx > 0 {
		return e.Name[:idx]
	}
	return e.Name
}

// Table returns the analytics table name for the event: the event name
// with dots replaced by underscores.
func (e Envelope) Table() string {
	return strings.ReplaceAll(e.Name, ".", "_")
}
