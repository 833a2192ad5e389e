package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"time"

	"github.com/nats-io/nats.go"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus/ingest"
	"github.com/tradewire/signalbus/obs"
)

// LegacyRelay is the dual-run delivery path: it consumes the same upstream
// subject the ingest bridge does and posts missions directly, bypassing the
// durable stream. Both paths attach the same Idempotency-Key, so the
// mission endpoint collapses the duplicate. The relay exists only for the
// cutover window; `busctl cutover` disables it.
type LegacyRelay struct {
	sub    obs.Subscriber
	poster *Poster
}

// NewLegacyRelay creates the legacy relay.
func NewLegacyRelay(sub obs.Subscriber, poster *Poster) (*LegacyRelay, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if poster == nil {
		return nil, fmt.Errorf("mission poster is required")
	}
	return &LegacyRelay{sub: sub, poster: poster}, nil
}

// Run subscribes upstream and blocks until the context ends. Payloads
// without a signal_id are dropped: the legacy path cannot mint IDs without
// breaking the idempotency comparison against the stream path.
func (r *LegacyRelay) Run(ctx context.Context) error {
	sub, err := r.sub.Subscribe(ingest.UpstreamSubject, func(msg *nats.Msg) {
		r.post(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("legacy relay subscribe: %w", err)
	}
	defer func() { _ = sub.Drain() }()
	log.Printf(ctx, "legacy relay running (dual-run mode)")

	<-ctx.Done()
	return nil
}

func (r *LegacyRelay) post(ctx context.Context, payload []byte) {
	var probe struct {
		SignalID string `json:"signal_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.SignalID == "" {
		log.Debugf(ctx, "legacy relay: drop payload without signal_id")
		return
	}
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := r.poster.Post(ctx, probe.SignalID, payload); err == nil {
			missionsPosted.WithLabelValues(pathLegacy).Inc()
			lastPostAge.WithLabelValues(pathLegacy).SetToCurrentTime()
			return
		} else {
			log.Errorf(ctx, err, "legacy relay: mission post %s attempt %d/%d", probe.SignalID, attempt+1, MaxAttempts)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(Backoff(attempt)):
		}
	}
	missionsFailed.WithLabelValues(pathLegacy).Inc()
}
