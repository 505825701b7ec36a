package models

import "time"

// PresenceRecord captures one observed action: which user acted, from which
// device and network address, and when. Records are append-only.
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

// Transfer is a directed chip movement between two accounts.
type Transfer struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// BetEvent is a single betting action within a hand, used by the
// synchronized-betting heuristic.
type BetEvent struct {
	HandID   string `json:"handId"`
	PlayerID string `json:"playerId"`
	TimeMs   int64  `json:"timeMs"`
}
