// Package confirm implements the broker-side inbound channel: it consumes
// execution confirmations (and EA heartbeats) arriving over the bus and
// from EA confirmation files, correlates them to queued fires, drives the
// fire state machine, and publishes trade_executed observation events.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/store"
)

// Bus subjects for the broker-side inbound channel.
const (
	ConfirmationSubject = "ea.confirmations"
	HeartbeatSubject    = "ea.heartbeat"
)

// DefaultFileScanInterval is how often the listener sweeps the EA
// directories for confirmation files (the fallback to the bus channel).
const DefaultFileScanInterval = 2 * time.Second

// Listener correlates confirmations to fires.
type Listener struct {
	sub      obs.Subscriber
	st       store.Store
	ipc      *eaipc.Channel
	observer *obs.Client
	scan     time.Duration
}

// Options configures the listener.
type Options struct {
	// Subscriber is the bus connection. Required.
	Subscriber obs.Subscriber
	// Store is the state store. Required.
	Store store.Store
	// IPC enables the confirmation-file fallback; optional.
	IPC *eaipc.Channel
	// Observer publishes trade_executed events; optional.
	Observer *obs.Client
	// FileScanInterval overrides the file sweep cadence; zero uses the
	// default.
	FileScanInterval time.Duration
}

// New creates the confirmation listener.
func New(opts Options) (*Listener, error) {
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	l := &Listener{
		sub:      opts.Subscriber,
		st:       opts.Store,
		ipc:      opts.IPC,
		observer: opts.Observer,
		scan:     opts.FileScanInterval,
	}
	if l.scan == 0 {
		l.scan = DefaultFileScanInterval
	}
	return l, nil
}

// Run subscribes to the confirmation and heartbeat subjects and sweeps
// confirmation files until the context ends.
func (l *Listener) Run(ctx context.Context) error {
	confSub, err := l.sub.Subscribe(ConfirmationSubject, func(msg *nats.Msg) {
		var c signalbus.Confirmation
		if err := json.Unmarshal(msg.Data, &c); err != nil || c.FireID == "" {
			log.Errorf(ctx, err, "confirm: drop malformed confirmation")
			return
		}
		l.Apply(ctx, &c)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ConfirmationSubject, err)
	}
	defer func() { _ = confSub.Drain() }()

	hbSub, err := l.sub.Subscribe(HeartbeatSubject, func(msg *nats.Msg) {
		l.heartbeat(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", HeartbeatSubject, err)
	}
	defer func() { _ = hbSub.Drain() }()
	log.Printf(ctx, "confirmation listener running")

	ticker := time.NewTicker(l.scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.sweepFiles(ctx)
		}
	}
}

// Apply correlates one confirmation to its fire and advances the state
// machine. Idempotent on (fire_id, sequence): replays are dropped before
// any state change.
func (l *Listener) Apply(ctx context.Context, c *signalbus.Confirmation) {
	fire, err := l.st.GetFire(ctx, c.FireID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown correlation: log and discard, never retry.
			log.Printf(ctx, "confirm: unknown fire %s, discarding", c.FireID)
			return
		}
		log.Errorf(ctx, err, "confirm: load fire %s", c.FireID)
		return
	}

	inserted, err := l.st.InsertConfirmation(ctx, c)
	if err != nil {
		log.Errorf(ctx, err, "confirm: record confirmation %s/%d", c.FireID, c.Sequence)
		return
	}
	if !inserted {
		log.Debugf(ctx, "confirm: duplicate confirmation %s/%d", c.FireID, c.Sequence)
		return
	}

	if c.Ticket != "" || c.Price > 0 {
		if err := l.st.RecordFill(ctx, c.FireID, c.Ticket, c.Price); err != nil {
			log.Errorf(ctx, err, "confirm: record fill %s", c.FireID)
		}
	}

	if !c.Final() {
		// Partial fill: attributes updated, status stays ROUTED until the
		// final confirmation arrives.
		log.Printf(ctx, "confirm: partial fill %s/%d vol=%.2f", c.FireID, c.Sequence, c.Volume)
		return
	}

	status := signalbus.FireFilled
	switch c.Status {
	case signalbus.ConfirmRejected:
		status = signalbus.FireRejected
	case signalbus.ConfirmCancelled:
		status = signalbus.FireCancelled
	}
	reason := ""
	if status != signalbus.FireFilled {
		reason = "broker_" + string(c.Status)
	}
	if err := l.st.UpdateFireStatus(ctx, c.FireID, status, reason); err != nil {
		log.Errorf(ctx, err, "confirm: transition fire %s to %s", c.FireID, status)
		return
	}
	log.Printf(ctx, "confirm: fire %s %s ticket=%s price=%.5f", c.FireID, status, c.Ticket, c.Price)

	l.observer.Publish(ctx, signalbus.EventTradeExecuted, fire.CorrelationID(), fire.UserID, map[string]any{
		"fire_id":   c.FireID,
		"signal_id": fire.SignalID,
		"user_id":   fire.UserID,
		"status":    string(status),
		"ticket":    c.Ticket,
		"price":     c.Price,
		"volume":    c.Volume,
	})
}

// sweepFiles applies confirmations dropped as files by EAs that cannot
// reach the bus.
func (l *Listener) sweepFiles(ctx context.Context) {
	if l.ipc == nil {
		return
	}
	confirmations, err := l.ipc.ScanConfirmations()
	if err != nil {
		log.Errorf(ctx, err, "confirm: scan confirmation files")
		return
	}
	for _, c := range confirmations {
		l.Apply(ctx, c)
	}
}

// heartbeat registers or refreshes an EA instance and mirrors the balance
// snapshot to the observation bus.
func (l *Listener) heartbeat(ctx context.Context, data []byte) {
	var hb struct {
		TargetUUID string            `json:"target_uuid"`
		UserID     string            `json:"user_id"`
		Balance    float64           `json:"balance"`
		Equity     float64           `json:"equity"`
		SymbolMap  map[string]string `json:"symbol_map"`
	}
	if err := json.Unmarshal(data, &hb); err != nil || hb.TargetUUID == "" {
		log.Errorf(ctx, err, "confirm: drop malformed heartbeat")
		return
	}
	ea := &signalbus.EAInstance{
		TargetUUID: hb.TargetUUID,
		UserID:     hb.UserID,
		LastSeen:   time.Now().UTC(),
		Balance:    hb.Balance,
		Equity:     hb.Equity,
		SymbolMap:  hb.SymbolMap,
	}
	if err := l.st.UpsertEA(ctx, ea); err != nil {
		log.Errorf(ctx, err, "confirm: upsert EA %s", hb.TargetUUID)
		return
	}
	l.observer.Publish(ctx, signalbus.EventBalanceUpdate, hb.TargetUUID, hb.UserID, map[string]any{
		"target_uuid": hb.TargetUUID,
		"user_id":     hb.UserID,
		"balance":     hb.Balance,
		"equity":      hb.Equity,
	})
}
