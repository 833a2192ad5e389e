// Package signalbus defines the domain entities shared by every component
// of the signal-and-fire event bus: signals produced upstream, per-user
// fire commands, the execution agents (EAs) that carry them out, broker
// confirmations, and the normalized observation events that record each
// lifecycle transition.
//
// Entities reference each other by ID only. The state store owns every
// durable row; streams own transient delivery state. No entity is mutated
// in shared memory across components.
package signalbus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type (
	// Direction is the side of a trade.
	Direction string

	// FireStatus is the lifecycle state of a fire command.
	// Transitions: PENDING → ENQUEUED → ROUTED → FILLED | REJECTED | CANCELLED.
	FireStatus string

	// EventType identifies one of the eight observation event categories.
	EventType string

	// Outcome classifies the result of a delivery attempt. Components
	// surface outcomes instead of raising errors for expected conditions.
	Outcome string
)

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

const (
	FirePending   FireStatus = "PENDING"
	FireEnqueued  FireStatus = "ENQUEUED"
	FireRouted    FireStatus = "ROUTED"
	FireFilled    FireStatus = "FILLED"
	FireRejected  FireStatus = "REJECTED"
	FireCancelled FireStatus = "CANCELLED"
)

const (
	EventSignalGenerated EventType = "signal_generated"
	EventFireCommand     EventType = "fire_command"
	EventTradeExecuted   EventType = "trade_executed"
	EventBalanceUpdate   EventType = "balance_update"
	EventSystemHealth    EventType = "system_health"
	EventUserAction      EventType = "user_action"
	EventMarketData      EventType = "market_data"
	EventPatternDetected EventType = "pattern_detected"
)

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeRetried      Outcome = "retried"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

const (
	// FreshnessThreshold is the maximum heartbeat age for an EA to be
	// eligible as a fire target.
	FreshnessThreshold = 180 * time.Second

	// UnreachableThreshold is the heartbeat age past which the dispatch
	// bridge stops retrying and rejects queued fires for the EA.
	UnreachableThreshold = 600 * time.Second

	// StuckFireThreshold is the age past which a non-terminal fire
	// triggers a pager alert.
	StuckFireThreshold = 120 * time.Second

	// IdemWindow is the retention of the fire idempotency index. A
	// resubmission inside the window returns the original fire.
	IdemWindow = 24 * time.Hour
)

// Terminal reports whether a fire status is final.
func (s FireStatus) Terminal() bool {
	return s == FireFilled || s == FireRejected || s == FireCancelled
}

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// EventTypes lists the closed set of observation event types.
func EventTypes() []EventType {
	return []EventType{
		EventSignalGenerated,
		EventFireCommand,
		EventTradeExecuted,
		EventBalanceUpdate,
		EventSystemHealth,
		EventUserAction,
		EventMarketData,
		EventPatternDetected,
	}
}

// Signal is a trading decision produced by the upstream strategy. Signals
// are immutable after ingest and referenced by zero or more fires.
type Signal struct {
	SignalID   string    `json:"signal_id" bson:"_id"`
	Symbol     string    `json:"symbol" bson:"symbol"`
	Direction  Direction `json:"direction" bson:"direction"`
	Entry      float64   `json:"entry" bson:"entry"`
	StopLoss   float64   `json:"sl" bson:"sl"`
	TakeProfit float64   `json:"tp" bson:"tp"`
	Confidence float64   `json:"confidence" bson:"confidence"`
	Pattern    string    `json:"pattern" bson:"pattern"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`

	// Streamed marks that the signal has a corresponding stream entry.
	// The ingest reconciliation pass re-appends rows where this is unset.
	Streamed bool `json:"-" bson:"streamed"`
}

// Fire is a per-user request to execute a signal against a specific EA.
type Fire struct {
	FireID     string     `json:"fire_id" bson:"_id"`
	IdemKey    string     `json:"idem_key" bson:"idem_key"`
	UserID     string     `json:"user_id" bson:"user_id"`
	SignalID   string     `json:"signal_id,omitempty" bson:"signal_id,omitempty"`
	TargetUUID string     `json:"target_uuid" bson:"target_uuid"`
	Symbol     string     `json:"symbol" bson:"symbol"`
	Direction  Direction  `json:"direction" bson:"direction"`
	Lot        float64    `json:"lot" bson:"lot"`
	StopLoss   float64    `json:"sl" bson:"sl"`
	TakeProfit float64    `json:"tp" bson:"tp"`
	Comment    string     `json:"comment,omitempty" bson:"comment,omitempty"`
	DryRun     bool       `json:"dry_run,omitempty" bson:"dry_run,omitempty"`
	Status     FireStatus `json:"status" bson:"status"`
	Reason     string     `json:"reason,omitempty" bson:"reason,omitempty"`
	Ticket     string     `json:"ticket,omitempty" bson:"ticket,omitempty"`
	FillPrice  float64    `json:"fill_price,omitempty" bson:"fill_price,omitempty"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" bson:"updated_at"`

	// IdemExpiresAt bounds the idempotency window (see IdemWindow). The
	// mongo store carries a TTL index on this field.
	IdemExpiresAt time.Time `json:"-" bson:"idem_expires_at"`
}

// CorrelationID returns the ID used to correlate observation events for
// this fire: the originating signal when present, else the fire itself.
func (f *Fire) CorrelationID() string {
	if f.SignalID != "" {
		return f.SignalID
	}
	return f.FireID
}

// EAInstance is a live broker-side execution agent, registered on first
// heartbeat. Stale instances are alerted on, never deleted.
type EAInstance struct {
	TargetUUID string            `json:"target_uuid" bson:"_id"`
	UserID     string            `json:"user_id" bson:"user_id"`
	LastSeen   time.Time         `json:"last_seen" bson:"last_seen"`
	Balance    float64           `json:"balance" bson:"balance"`
	Equity     float64           `json:"equity" bson:"equity"`
	SymbolMap  map[string]string `json:"symbol_map,omitempty" bson:"symbol_map,omitempty"`
}

// Fresh reports whether the EA heartbeat is inside the freshness window
// at the given instant. An EA seen exactly FreshnessThreshold ago is stale.
func (ea *EAInstance) Fresh(now time.Time) bool {
	return now.Sub(ea.LastSeen) < FreshnessThreshold
}

// ConfirmationStatus is the broker-reported status of a fill.
type ConfirmationStatus string

const (
	ConfirmFilled    ConfirmationStatus = "FILLED"
	ConfirmRejected  ConfirmationStatus = "REJECTED"
	ConfirmPartial   ConfirmationStatus = "PARTIAL"
	ConfirmCancelled ConfirmationStatus = "CANCELLED"
)

// Confirmation is an asynchronous broker reply, identified by
// (fire_id, sequence). Sequences increase across partial fills; any status
// other than PARTIAL marks the final fill.
type Confirmation struct {
	FireID    string             `json:"fire_id" bson:"fire_id"`
	Sequence  int                `json:"sequence" bson:"sequence"`
	Status    ConfirmationStatus `json:"status" bson:"status"`
	Ticket    string             `json:"ticket" bson:"ticket"`
	Price     float64            `json:"price" bson:"price"`
	Volume    float64            `json:"volume" bson:"volume"`
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
}

// Final reports whether this confirmation completes the fire.
func (c *Confirmation) Final() bool {
	return c.Status != ConfirmPartial
}

// Event is the normalized observation envelope published on the bus and
// persisted by the collector. Append-only with bounded retention.
type Event struct {
	EventID       string    `json:"event_id" bson:"_id"`
	EventType     EventType `json:"event_type" bson:"event_type"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	Source        string    `json:"source" bson:"source"`
	CorrelationID string    `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Data          []byte    `json:"data,omitempty" bson:"data,omitempty"`
}

// DeriveIdemKey computes the server-side idempotency key for a fire
// submission that did not carry one. Submissions inside the same time
// bucket collapse to the same key.
func DeriveIdemKey(userID, signalID string, lot float64, at time.Time) string {
	bucket := at.Unix() / 60
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%.2f|%d", userID, signalID, lot, bucket))
	return hex.EncodeToString(sum[:16])
}
