package models

import "time"

// ReviewStatus is the escalation state of a flagged session.
type ReviewStatus string

// Escalation states, in order. Ban is terminal.
const (
	StatusFlagged  ReviewStatus = "flagged"
	StatusWarn     ReviewStatus = "warn"
	StatusRestrict ReviewStatus = "restrict"
	StatusBan      ReviewStatus = "ban"
)

// CollusionFeatures is a point-in-time snapshot of the pairwise collusion
// signals computed for a flagged session. It is embedded at flag time and
// never recomputed afterward.
type CollusionFeatures struct {
	SharedDevices    []string `json:"sharedDevices"`
	SharedIPs        []string `json:"sharedIps"`
	VpipCorrelation  float64  `json:"vpipCorrelation"`
	TimingSimilarity float64  `json:"timingSimilarity"`
	SeatProximity    float64  `json:"seatProximity"`
	ChipDumpScore    float64  `json:"chipDumpScore"`
}

// ActionEntry records one successful escalation action. Entries are
// append-only, ordered by time of application.
type ActionEntry struct {
	Action     ReviewStatus `json:"action"`
	Timestamp  time.Time    `json:"timestamp"`
	ReviewerID string       `json:"reviewerId"`
}

// FlaggedSession is the primary entity of the escalation workflow. Status
// always equals the action of the most recent history entry, or
// StatusFlagged when history is empty.
type FlaggedSession struct {
	SessionID string             `json:"sessionId"`
	Users     []string           `json:"users"`
	Status    ReviewStatus       `json:"status"`
	Features  *CollusionFeatures `json:"features,omitempty"`
	History   []ActionEntry      `json:"history"`
	CreatedAt time.Time          `json:"createdAt"`
}
