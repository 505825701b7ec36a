// Package events defines the closed catalog of platform events: every known
// event name, its family, its bus topic, and a typed payload schema. The
// catalog is fixed at compile time; there is no runtime registration.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Topic names on the message bus.
const (
	TopicHand    = "hand"
	TopicWallet  = "wallet"
	TopicTourney = "tourney"
	TopicAuth    = "auth"
)

// familyTopics is the fixed family -> topic table. Families absent from the
// table have no route and their events are dropped by the router.
var familyTopics = map[string]string{
	"game":       TopicHand,
	"hand":       TopicHand,
	"action":     TopicHand,
	"wallet":     TopicWallet,
	"tournament": TopicTourney,
	"auth":       TopicAuth,
	"antiCheat":  TopicAuth,
}

// TopicFor returns the bus topic for an event family.
func TopicFor(family string) (string, bool) {
	topic, ok := familyTopics[family]
	return topic, ok
}

// Topics returns the distinct bus topics, in a stable order.
func Topics() []string {
	return []string{TopicHand, TopicWallet, TopicTourney, TopicAuth}
}

// Kind describes one known event.
type Kind struct {
	Name   string
	Family string
	Topic  string

	newPayload func() any
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload schemas. Unknown JSON fields are ignored on decode; missing
// required fields fail validation.

type HandStart struct {
	HandID  string   `json:"handId" validate:"required,uuid"`
	TableID string   `json:"tableId" validate:"omitempty,uuid"`
	Players []string `json:"players" validate:"required,dive,uuid"`
}

type HandEnd struct {
	HandID  string   `json:"handId" validate:"required,uuid"`
	TableID string   `json:"tableId" validate:"omitempty,uuid"`
	Winners []string `json:"winners" validate:"omitempty,dive,uuid"`
}

type HandSettle struct {
	HandID    string    `json:"handId" validate:"required,uuid"`
	TableID   string    `json:"tableId" validate:"omitempty,uuid"`
	PlayerIDs []string  `json:"playerIds" validate:"required,dive,uuid"`
	Deltas    []float64 `json:"deltas" validate:"required"`
}

type PlayerAction struct {
	HandID   string  `json:"handId" validate:"required,uuid"`
	TableID  string  `json:"tableId" validate:"omitempty,uuid"`
	PlayerID string  `json:"playerId" validate:"required,uuid"`
	Amount   float64 `json:"amount"`
}

type WalletMovement struct {
	AccountID string  `json:"accountId" validate:"required,uuid"`
	Amount    float64 `json:"amount"`
	RefType   string  `json:"refType" validate:"required"`
	RefID     string  `json:"refId" validate:"required"`
	Currency  string  `json:"currency" validate:"required"`
}

type WalletReserve struct {
	AccountID string  `json:"accountId" validate:"required,uuid"`
	Amount    float64 `json:"amount"`
	RefID     string  `json:"refId" validate:"required"`
	Currency  string  `json:"currency" validate:"required"`
}

type WalletCommit struct {
	RefID    string  `json:"refId" validate:"required"`
	Amount   float64 `json:"amount"`
	Rake     float64 `json:"rake"`
	Currency string  `json:"currency" validate:"required"`
}

type WalletRollback struct {
	AccountID string  `json:"accountId" validate:"required,uuid"`
	Amount    float64 `json:"amount"`
	RefID     string  `json:"refId" validate:"required"`
	Currency  string  `json:"currency" validate:"required"`
}

type TournamentRegister struct {
	TournamentID string `json:"tournamentId" validate:"required,uuid"`
	PlayerID     string `json:"playerId" validate:"required,uuid"`
}

type TournamentEliminate struct {
	TournamentID string  `json:"tournamentId" validate:"required,uuid"`
	PlayerID     string  `json:"playerId" validate:"required,uuid"`
	Position     int     `json:"position" validate:"omitempty,gt=0"`
	Payout       float64 `json:"payout"`
}

type TournamentCancel struct {
	TournamentID string `json:"tournamentId" validate:"required,uuid"`
}

type AuthLogin struct {
	UserID   string `json:"userId" validate:"required,uuid"`
	DeviceID string `json:"deviceId"`
	IP       string `json:"ip" validate:"omitempty,ip"`
	TS       int64  `json:"ts"`
}

// AntiCheatFlag covers both flag shapes: collusion flags carry a session id
// and users, wallet-limit flags carry an account id and operation.
type AntiCheatFlag struct {
	SessionID string         `json:"sessionId" validate:"required_without=AccountID"`
	Users     []string       `json:"users"`
	Features  map[string]any `json:"features"`
	AccountID string         `json:"accountId" validate:"required_without=SessionID,omitempty,uuid"`
	Operation string         `json:"operation" validate:"omitempty,oneof=deposit withdraw"`
	Amount    float64        `json:"amount"`
	Currency  string         `json:"currency"`
}

func kind[P any](name string) Kind {
	k := Kind{Name: name, newPayload: func() any { return new(P) }}
	k.Family = name
	if idx := strings.Index(name, "."); idx > 0 {
		k.Family = name[:idx]
	}
	k.Topic = familyTopics[k.Family]
	return k
}

// catalog is the full ordered list of known events.
var catalog = []Kind{
	kind[HandStart]("hand.start"),
	kind[HandEnd]("hand.end"),
	kind[HandSettle]("hand.settle"),
	kind[PlayerAction]("action.bet"),
	kind[PlayerAction]("action.call"),
	kind[PlayerAction]("action.fold"),
	kind[WalletMovement]("wallet.credit"),
	kind[WalletMovement]("wallet.debit"),
	kind[WalletReserve]("wallet.reserve"),
	kind[WalletCommit]("wallet.commit"),
	kind[WalletRollback]("wallet.rollback"),
	kind[TournamentRegister]("tournament.register"),
	kind[TournamentEliminate]("tournament.eliminate"),
	kind[TournamentCancel]("tournament.cancel"),
	kind[AuthLogin]("auth.login"),
	kind[AntiCheatFlag]("antiCheat.flag"),
}

var byName = func() map[string]Kind {
	m := make(map[string]Kind, len(catalog))
	for _, k := range catalog {
		m[k.Name] = k
	}
	return m
}()

// Kinds returns the full catalog in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the Kind for an event name.
func Lookup(name string) (Kind, bool) {
	k, ok := byName[name]
	return k, ok
}

// Validate decodes payload into the event's typed schema and validates it.
// An unknown event name is a validation failure.
func Validate(name string, payload map[string]any) error {
	k, ok := byName[name]
	if !ok {
		return fmt.Errorf("unknown event %q", name)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	target := k.newPayload()
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", name, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("validate %s payload: %w", name, err)
	}
	return nil
}
