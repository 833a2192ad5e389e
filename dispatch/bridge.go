// Package dispatch implements the fire dispatch bridge: one consumer-group
// reader per EA fire stream that forwards accepted fires to the EA's IPC
// channel and records the fire-state transitions. Fires for the same EA
// are dispatched in stream order; a single consumer per group enforces the
// serialization.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/streaming/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/ops"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store"
	"github.com/tradewire/signalbus/stream/pulse"
)

// DefaultRescanInterval is how often the bridge discovers newly registered
// EAs and starts consumers for their streams.
const DefaultRescanInterval = 15 * time.Second

// ipcRetryDelay paces in-place retries after a failed IPC write.
const ipcRetryDelay = 2 * time.Second

// Bridge consumes the per-EA fire streams.
type Bridge struct {
	st       store.Store
	streams  pulse.Client
	ipc      *eaipc.Channel
	observer *obs.Client
	mode     func() ops.Mode
	rescan   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Options configures the dispatch bridge.
type Options struct {
	// Store is the state store. Required.
	Store store.Store
	// Streams provides the per-EA fire streams. Required.
	Streams pulse.Client
	// IPC is the EA file-drop channel. Required.
	IPC *eaipc.Channel
	// Observer publishes lifecycle events; optional.
	Observer *obs.Client
	// Mode returns the current cutover mode; in shadow mode the bridge is
	// log-only. Required.
	Mode func() ops.Mode
	// RescanInterval overrides EA discovery cadence; zero uses the default.
	RescanInterval time.Duration
}

// New creates the dispatch bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("stream client is required")
	}
	if opts.IPC == nil {
		return nil, fmt.Errorf("IPC channel is required")
	}
	if opts.Mode == nil {
		return nil, fmt.Errorf("mode source is required")
	}
	b := &Bridge{
		st:       opts.Store,
		streams:  opts.Streams,
		ipc:      opts.IPC,
		observer: opts.Observer,
		mode:     opts.Mode,
		rescan:   opts.RescanInterval,
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
	if b.rescan == 0 {
		b.rescan = DefaultRescanInterval
	}
	return b, nil
}

// Run discovers EAs and keeps one consumer per fire stream until the
// context ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.syncConsumers(ctx)
	ticker := time.NewTicker(b.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.stopAll()
			return nil
		case <-ticker.C:
			b.syncConsumers(ctx)
		}
	}
}

// syncConsumers starts consumers for EAs that appeared since the last scan.
// Consumers for deregistered EAs are left running; their streams simply go
// quiet, and restarting the process prunes them.
func (b *Bridge) syncConsumers(ctx context.Context) {
	eas, err := b.st.ListEAs(ctx)
	if err != nil {
		log.Errorf(ctx, err, "dispatch: list EAs")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ea := range eas {
		if _, ok := b.cancels[ea.TargetUUID]; ok {
			continue
		}
		consumerCtx, cancel := context.WithCancel(ctx)
		b.cancels[ea.TargetUUID] = cancel
		go b.consume(consumerCtx, ea.TargetUUID)
	}
}

func (b *Bridge) stopAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = make(map[string]context.CancelFunc)
}

// consume reads one EA's fire stream until cancelled.
func (b *Bridge) consume(ctx context.Context, targetUUID string) {
	streamID := pulse.FireStream(targetUUID)
	stream, err := b.streams.Stream(streamID)
	if err != nil {
		log.Errorf(ctx, err, "dispatch: open %s", streamID)
		return
	}
	sink, err := stream.NewSink(ctx, pulse.DispatchGroup, options.WithSinkStartAtOldest())
	if err != nil {
		log.Errorf(ctx, err, "dispatch: create sink on %s", streamID)
		return
	}
	defer sink.Close(ctx)
	log.Printf(ctx, "dispatch: consuming %s", streamID)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf(ctx, "dispatch: %s subscription closed", streamID)
				return
			}
			b.handle(ctx, targetUUID, ev.Payload, func() error { return sink.Ack(ctx, ev) })
		}
	}
}

// handle processes one stream entry. The ack callback is invoked exactly
// when the entry must not be redelivered: on success, on skip, and on
// terminal rejection.
func (b *Bridge) handle(ctx context.Context, targetUUID string, payload []byte, ack func() error) {
	var fire signalbus.Fire
	if err := json.Unmarshal(payload, &fire); err != nil || fire.FireID == "" {
		log.Errorf(ctx, err, "dispatch: skip malformed entry on %s", targetUUID)
		b.ack(ctx, &fire, ack)
		return
	}
	if fire.DryRun {
		// Dry-run payloads must never reach an EA.
		log.Debugf(ctx, "dispatch: skip dry-run fire %s", fire.FireID)
		b.ack(ctx, &fire, ack)
		return
	}
	if !b.mode().BridgeForwardsIPC() {
		// Log-only: in shadow mode the router already wrote IPC directly,
		// so forwarding here would deliver the fire twice.
		log.Printf(ctx, "dispatch: observe fire %s on %s (log-only)", fire.FireID, targetUUID)
		b.ack(ctx, &fire, ack)
		return
	}
	if stored, err := b.st.GetFire(ctx, fire.FireID); err == nil && delivered(stored.Status) {
		// Entries published before a cutover may already be delivered by the
		// router's direct IPC write, or finalized; forwarding them again
		// would hand the EA a second trade for one idem key. PENDING and
		// ENQUEUED both pass: the router stamps ENQUEUED after the append,
		// so a fast consumer can still observe PENDING.
		log.Printf(ctx, "dispatch: fire %s already %s, skipping", fire.FireID, stored.Status)
		b.ack(ctx, &fire, ack)
		return
	}

	for {
		err := b.ipc.WriteFire(&fire)
		if err == nil {
			break
		}
		if errors.Is(err, schema.ErrForbiddenSymbol) || errors.Is(err, schema.ErrUnknownSymbol) {
			// Guard rejections are permanent; never retry them into an EA.
			log.Errorf(ctx, err, "dispatch: refuse fire %s", fire.FireID)
			b.reject(ctx, &fire, "forbidden_symbol", ack)
			return
		}
		ea, eaErr := b.st.GetEA(ctx, targetUUID)
		if eaErr == nil && b.now().Sub(ea.LastSeen) > signalbus.UnreachableThreshold {
			log.Printf(ctx, "dispatch: EA %s unreachable, rejecting fire %s", targetUUID, fire.FireID)
			b.reject(ctx, &fire, "ea_unreachable", ack)
			return
		}
		log.Errorf(ctx, err, "dispatch: IPC write %s, retrying", fire.FireID)
		select {
		case <-ctx.Done():
			return // unacked; redelivered after restart
		case <-time.After(ipcRetryDelay):
		}
	}

	if err := b.st.UpdateFireStatus(ctx, fire.FireID, signalbus.FireRouted, ""); err != nil {
		log.Errorf(ctx, err, "dispatch: mark routed %s", fire.FireID)
	}
	b.observer.Publish(ctx, signalbus.EventSystemHealth, fire.CorrelationID(), fire.UserID, map[string]any{
		"component": "dispatch",
		"status":    "ok",
		"detail":    "fire " + fire.FireID + " routed",
	})
	log.Printf(ctx, "dispatch: fire %s routed to %s", fire.FireID, targetUUID)
	b.ack(ctx, &fire, ack)
}

// delivered reports whether a stored fire status means the EA already has
// (or will never get) the trade.
func delivered(s signalbus.FireStatus) bool {
	return s != signalbus.FirePending && s != signalbus.FireEnqueued
}

func (b *Bridge) reject(ctx context.Context, fire *signalbus.Fire, reason string, ack func() error) {
	if err := b.st.UpdateFireStatus(ctx, fire.FireID, signalbus.FireRejected, reason); err != nil {
		log.Errorf(ctx, err, "dispatch: mark rejected %s", fire.FireID)
	}
	b.ack(ctx, fire, ack)
}

func (b *Bridge) ack(ctx context.Context, fire *signalbus.Fire, ack func() error) {
	if err := ack(); err != nil {
		log.Errorf(ctx, err, "dispatch: ack fire %s", fire.FireID)
	}
}
