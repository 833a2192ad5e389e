// Package store defines the persistence layer for the event bus.
//
// The Store interface abstracts the durable tables for signals, fires,
// EA instances, confirmations and observed events. Available
// implementations:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// Cross-row invariants (idempotency) are enforced by unique indexes in the
// backend, never by application-level locks. Implementations must be safe
// for concurrent use and return the package sentinels for missing or
// duplicate rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradewire/signalbus"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a unique index.
	ErrDuplicate = errors.New("duplicate row")
)

// Store is the single shared mutable resource of the system.
type Store interface {
	// SaveSignal inserts a signal row. Returns false with no error when a
	// row with the same signal_id already exists (duplicate ingest).
	SaveSignal(ctx context.Context, sig *signalbus.Signal) (inserted bool, err error)

	// GetSignal returns the signal or ErrNotFound.
	GetSignal(ctx context.Context, signalID string) (*signalbus.Signal, error)

	// MarkSignalStreamed records that the signal has a stream entry.
	MarkSignalStreamed(ctx context.Context, signalID string) error

	// UnstreamedSignals returns signals created after since that have no
	// stream entry yet, oldest first. Feeds the ingest reconciliation pass.
	UnstreamedSignals(ctx context.Context, since time.Time) ([]*signalbus.Signal, error)

	// InsertFire inserts a fire row. Returns ErrDuplicate when another row
	// holds (user_id, idem_key) inside the idempotency window.
	InsertFire(ctx context.Context, fire *signalbus.Fire) error

	// GetFire returns the fire or ErrNotFound.
	GetFire(ctx context.Context, fireID string) (*signalbus.Fire, error)

	// FireByIdem returns the fire holding (user_id, idem_key), or
	// ErrNotFound when absent or expired.
	FireByIdem(ctx context.Context, userID, idemKey string) (*signalbus.Fire, error)

	// UpdateFireStatus transitions a fire and stamps updated_at. The reason
	// is recorded for rejections; pass "" otherwise.
	UpdateFireStatus(ctx context.Context, fireID string, status signalbus.FireStatus, reason string) error

	// RecordFill stores the broker ticket and fill price on a fire.
	RecordFill(ctx context.Context, fireID, ticket string, price float64) error

	// StuckFires returns fires in a non-terminal status whose updated_at is
	// older than the cutoff.
	StuckFires(ctx context.Context, cutoff time.Time) ([]*signalbus.Fire, error)

	// UpsertEA registers or refreshes an EA instance heartbeat.
	UpsertEA(ctx context.Context, ea *signalbus.EAInstance) error

	// GetEA returns the EA instance or ErrNotFound.
	GetEA(ctx context.Context, targetUUID string) (*signalbus.EAInstance, error)

	// EAByUser resolves the EA bound to a user, or ErrNotFound.
	EAByUser(ctx context.Context, userID string) (*signalbus.EAInstance, error)

	// ListEAs returns every registered EA instance.
	ListEAs(ctx context.Context) ([]*signalbus.EAInstance, error)

	// InsertConfirmation inserts a confirmation row. Returns false with no
	// error when (fire_id, sequence) was already recorded.
	InsertConfirmation(ctx context.Context, c *signalbus.Confirmation) (inserted bool, err error)

	// Confirmations returns the confirmations for a fire ordered by
	// sequence.
	Confirmations(ctx context.Context, fireID string) ([]*signalbus.Confirmation, error)

	// InsertEvent appends an observed event. Returns false with no error
	// when the event_id was already recorded (bus duplicates tolerated).
	InsertEvent(ctx context.Context, ev *signalbus.Event) (inserted bool, err error)

	// EventsByCorrelation returns events sharing a correlation ID, newest
	// first, capped at limit.
	EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*signalbus.Event, error)

	// RecentEvents returns the newest events of a type, capped at limit.
	RecentEvents(ctx context.Context, et signalbus.EventType, limit int) ([]*signalbus.Event, error)
}
