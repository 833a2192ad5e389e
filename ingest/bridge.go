// Package ingest implements the signal ingest bridge: it subscribes to the
// upstream strategy's push subject, assigns identities, persists signal
// rows, and appends durable stream entries. Upstream delivery is lossy by
// design; durability begins here.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store"
	"github.com/tradewire/signalbus/stream/pulse"
)

// UpstreamSubject is the push subject the strategy publishes raw signals on.
const UpstreamSubject = "signals.raw"

// DefaultReconcileInterval is how often the bridge scans for signal rows
// that never received a stream entry (crash between insert and append).
const DefaultReconcileInterval = 30 * time.Second

// DefaultReconcileWindow bounds how far back the reconciliation scan looks.
const DefaultReconcileWindow = time.Hour

// Bridge is the signal ingest bridge.
type Bridge struct {
	sub      obs.Subscriber
	st       store.Store
	stream   pulse.Stream
	registry *schema.Registry
	observer *obs.Client

	reconcileInterval time.Duration
	reconcileWindow   time.Duration
}

// Options configures the ingest bridge.
type Options struct {
	// Subscriber is the upstream bus connection. Required.
	Subscriber obs.Subscriber
	// Store is the state store. Required.
	Store store.Store
	// Streams provides the durable signals stream. Required.
	Streams pulse.Client
	// Registry validates signal payloads. Required.
	Registry *schema.Registry
	// Observer publishes lifecycle events; optional.
	Observer *obs.Client
	// ReconcileInterval overrides the reconciliation cadence; zero uses the
	// default.
	ReconcileInterval time.Duration
	// ReconcileWindow overrides the reconciliation lookback; zero uses the
	// default.
	ReconcileWindow time.Duration
}

// New creates the ingest bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("stream client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	stream, err := opts.Streams.Stream(pulse.SignalsStream)
	if err != nil {
		return nil, fmt.Errorf("open signals stream: %w", err)
	}
	b := &Bridge{
		sub:               opts.Subscriber,
		st:                opts.Store,
		stream:            stream,
		registry:          opts.Registry,
		observer:          opts.Observer,
		reconcileInterval: opts.ReconcileInterval,
		reconcileWindow:   opts.ReconcileWindow,
	}
	if b.reconcileInterval == 0 {
		b.reconcileInterval = DefaultReconcileInterval
	}
	if b.reconcileWindow == 0 {
		b.reconcileWindow = DefaultReconcileWindow
	}
	return b, nil
}

// Run subscribes to the upstream subject and blocks until the context ends.
// It runs one reconciliation pass immediately on startup so entries lost to
// a crash between DB insert and stream append are re-appended before new
// traffic arrives.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Reconcile(ctx); err != nil {
		log.Errorf(ctx, err, "ingest: startup reconciliation")
	}

	sub, err := b.sub.Subscribe(UpstreamSubject, func(msg *nats.Msg) {
		b.Ingest(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe upstream %s: %w", UpstreamSubject, err)
	}
	defer func() { _ = sub.Drain() }()
	log.Printf(ctx, "ingest bridge subscribed to %s", UpstreamSubject)

	ticker := time.NewTicker(b.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Reconcile(ctx); err != nil {
				log.Errorf(ctx, err, "ingest: reconciliation pass")
			}
		}
	}
}

// Ingest validates and persists one upstream payload. Validation errors are
// logged and dropped; duplicates result in no new row and no new stream
// entry.
func (b *Bridge) Ingest(ctx context.Context, payload []byte) {
	if err := b.registry.Validate(signalbus.EventSignalGenerated, payload); err != nil {
		log.Errorf(ctx, err, "ingest: drop invalid signal payload")
		return
	}
	var sig signalbus.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		log.Errorf(ctx, err, "ingest: drop undecodable signal payload")
		return
	}
	sym, err := schema.CheckSymbol(sig.Symbol)
	if err != nil {
		log.Errorf(ctx, err, "ingest: drop signal with bad symbol")
		return
	}
	sig.Symbol = sym
	if sig.SignalID == "" {
		sig.SignalID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	inserted, err := b.st.SaveSignal(ctx, &sig)
	if err != nil {
		log.Errorf(ctx, err, "ingest: save signal %s", sig.SignalID)
		return
	}
	if !inserted {
		log.Debugf(ctx, "ingest: duplicate signal %s", sig.SignalID)
		return
	}

	if err := b.append(ctx, &sig); err != nil {
		// The row exists but the stream entry does not; the reconciliation
		// pass picks it up.
		log.Errorf(ctx, err, "ingest: stream append %s deferred to reconcile", sig.SignalID)
		return
	}

	b.observer.Publish(ctx, signalbus.EventSignalGenerated, sig.SignalID, "", &sig)
	log.Printf(ctx, "ingest: signal %s %s %s", sig.SignalID, sig.Symbol, sig.Direction)
}

// Reconcile appends stream entries for signal rows that have none. Covers
// the crash window between DB insert and stream append.
func (b *Bridge) Reconcile(ctx context.Context) error {
	since := time.Now().Add(-b.reconcileWindow)
	missing, err := b.st.UnstreamedSignals(ctx, since)
	if err != nil {
		return fmt.Errorf("scan unstreamed signals: %w", err)
	}
	for _, sig := range missing {
		if err := b.append(ctx, sig); err != nil {
			return fmt.Errorf("re-append signal %s: %w", sig.SignalID, err)
		}
		log.Printf(ctx, "ingest: reconciled signal %s", sig.SignalID)
	}
	return nil
}

func (b *Bridge) append(ctx context.Context, sig *signalbus.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if _, err := b.stream.Add(ctx, string(signalbus.EventSignalGenerated), payload); err != nil {
		return fmt.Errorf("append to %s: %w", pulse.SignalsStream, err)
	}
	if err := b.st.MarkSignalStreamed(ctx, sig.SignalID); err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}
	return nil
}
