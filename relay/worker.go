package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/streaming/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/stream/pulse"
)

// PendingClaimAge is how long an entry may stay pending on a dead consumer
// before the sink claims and redelivers it.
const PendingClaimAge = 2 * time.Minute

// Worker is the signal delivery worker: a member of the "relay" consumer
// group over the signals stream. Delivery order is per-stream FIFO; there
// is no cross-symbol ordering.
type Worker struct {
	streams  pulse.Client
	poster   *Poster
	registry *schema.Registry
}

// NewWorker creates a delivery worker posting to the given poster.
func NewWorker(streams pulse.Client, poster *Poster, registry *schema.Registry) (*Worker, error) {
	if streams == nil {
		return nil, fmt.Errorf("stream client is required")
	}
	if poster == nil {
		return nil, fmt.Errorf("mission poster is required")
	}
	return &Worker{streams: streams, poster: poster, registry: registry}, nil
}

// Run consumes the signals stream until the context ends. Entries that
// exhaust the retry budget move to the dead-letter stream and are acked so
// they cannot poison the group.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.streams.Stream(pulse.SignalsStream)
	if err != nil {
		return fmt.Errorf("open signals stream: %w", err)
	}
	dead, err := w.streams.Stream(pulse.DeadLetterStream)
	if err != nil {
		return fmt.Errorf("open dead-letter stream: %w", err)
	}
	// Start at the oldest entry so a restarted worker re-attempts exactly
	// the unacked backlog, in order.
	sink, err := stream.NewSink(ctx, pulse.RelayGroup,
		options.WithSinkStartAtOldest(),
		options.WithSinkAckGracePeriod(PendingClaimAge),
	)
	if err != nil {
		return fmt.Errorf("create relay sink: %w", err)
	}
	defer sink.Close(ctx)
	log.Printf(ctx, "relay worker consuming %s as %s", pulse.SignalsStream, pulse.RelayGroup)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("signals stream subscription closed")
			}
			w.deliver(ctx, dead, ev.Payload, func() error { return sink.Ack(ctx, ev) })
		}
	}
}

// deliver posts one entry, retrying with backoff and full jitter. The ack
// callback runs on success, on validation skip, and after dead-lettering.
func (w *Worker) deliver(ctx context.Context, dead pulse.Stream, payload []byte, ack func() error) {
	var sig signalbus.Signal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.SignalID == "" {
		// Consumer-side schema violations are warnings: skip, log, ack.
		log.Errorf(ctx, err, "relay: skip malformed stream entry")
		if err := ack(); err != nil {
			log.Errorf(ctx, err, "relay: ack malformed entry")
		}
		return
	}
	if w.registry != nil {
		if err := w.registry.Validate(signalbus.EventSignalGenerated, payload); err != nil {
			log.Errorf(ctx, err, "relay: skip invalid signal %s", sig.SignalID)
			if err := ack(); err != nil {
				log.Errorf(ctx, err, "relay: ack invalid entry")
			}
			return
		}
	}

	outcome := w.post(ctx, sig.SignalID, payload)
	switch outcome {
	case signalbus.OutcomeDelivered:
		missionsPosted.WithLabelValues(pathStream).Inc()
		lastPostAge.WithLabelValues(pathStream).SetToCurrentTime()
		if err := ack(); err != nil {
			log.Errorf(ctx, err, "relay: ack delivered signal %s", sig.SignalID)
		}
	case signalbus.OutcomeDeadLettered:
		missionsFailed.WithLabelValues(pathStream).Inc()
		deadLettered.Inc()
		if _, err := dead.Add(ctx, string(signalbus.EventSignalGenerated), payload); err != nil {
			// Leave unacked; the pending claim will redeliver.
			log.Errorf(ctx, err, "relay: dead-letter append %s", sig.SignalID)
			return
		}
		log.Printf(ctx, "relay: signal %s moved to %s", sig.SignalID, pulse.DeadLetterStream)
		if err := ack(); err != nil {
			log.Errorf(ctx, err, "relay: ack dead-lettered signal %s", sig.SignalID)
		}
	}
}

// post attempts the mission call up to MaxAttempts times. Returns
// OutcomeDelivered or OutcomeDeadLettered.
func (w *Worker) post(ctx context.Context, signalID string, payload []byte) signalbus.Outcome {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := w.poster.Post(ctx, signalID, payload); err == nil {
			return signalbus.OutcomeDelivered
		} else {
			log.Errorf(ctx, err, "relay: mission post %s attempt %d/%d", signalID, attempt+1, MaxAttempts)
		}
		select {
		case <-ctx.Done():
			return signalbus.OutcomeDeadLettered
		case <-time.After(Backoff(attempt)):
		}
	}
	return signalbus.OutcomeDeadLettered
}
