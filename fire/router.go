// Package fire implements the fire command router: the HTTP surface the
// web layer submits trade executions through. The router resolves the
// target EA server-side, gates on EA freshness, enforces idempotency
// through the store's unique index, and publishes to the per-EA fire
// stream and/or the legacy IPC path depending on the cutover mode.
package fire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/ops"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store"
	"github.com/tradewire/signalbus/stream/pulse"
)

// Lot size bounds. One tick outside either bound is rejected.
const (
	DefaultMinLot = 0.01
	DefaultMaxLot = 10.00
)

// Request is the fire submission payload. The client may not choose the
// target EA; routing is server-side by user.
type Request struct {
	UserID     string              `json:"user_id"`
	SignalID   string              `json:"signal_id,omitempty"`
	Symbol     string              `json:"symbol"`
	Direction  signalbus.Direction `json:"direction"`
	Lot        float64             `json:"lot"`
	StopLoss   float64             `json:"sl"`
	TakeProfit float64             `json:"tp"`
	Comment    string              `json:"comment,omitempty"`
	IdemKey    string              `json:"idem_key,omitempty"`
	DryRun     bool                `json:"dry_run,omitempty"`
}

// Response is returned for accepted, deduplicated and dry-run fires.
type Response struct {
	FireID string `json:"fire_id"`
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
}

// errorResponse is returned for rejections.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Router handles fire submissions.
type Router struct {
	st       store.Store
	streams  pulse.Client
	ipc      *eaipc.Channel
	observer *obs.Client
	mode     func() ops.Mode
	minLot   float64
	maxLot   float64
	now      func() time.Time
}

// Options configures the router.
type Options struct {
	// Store is the state store. Required.
	Store store.Store
	// Streams provides the per-EA fire streams. Required unless the mode
	// never publishes to streams.
	Streams pulse.Client
	// IPC is the legacy direct channel. Required unless the mode never
	// writes IPC.
	IPC *eaipc.Channel
	// Observer publishes lifecycle events; optional.
	Observer *obs.Client
	// Mode returns the current cutover mode. Required.
	Mode func() ops.Mode
	// MinLot/MaxLot override the lot bounds; zero uses defaults.
	MinLot float64
	MaxLot float64
}

// NewRouter creates the fire command router.
func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Mode == nil {
		return nil, fmt.Errorf("mode source is required")
	}
	r := &Router{
		st:       opts.Store,
		streams:  opts.Streams,
		ipc:      opts.IPC,
		observer: opts.Observer,
		mode:     opts.Mode,
		minLot:   opts.MinLot,
		maxLot:   opts.MaxLot,
		now:      time.Now,
	}
	if r.minLot == 0 {
		r.minLot = DefaultMinLot
	}
	if r.maxLot == 0 {
		r.maxLot = DefaultMaxLot
	}
	return r, nil
}

// Handler returns the HTTP mux for the router: POST /fire plus a trivial
// healthz probe.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fire", r.handleFire)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (r *Router) handleFire(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var in Request
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// Validation outcomes are synchronous; nothing below this block has
	// side effects until the row insert.
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id is required")
		return
	}
	if !in.Direction.Valid() {
		writeError(w, http.StatusBadRequest, "validation_failed", "direction must be BUY or SELL")
		return
	}
	if in.Lot < r.minLot || in.Lot > r.maxLot {
		writeError(w, http.StatusBadRequest, "validation_failed",
			fmt.Sprintf("lot %.2f outside [%.2f, %.2f]", in.Lot, r.minLot, r.maxLot))
		return
	}
	sym, err := schema.CheckSymbol(in.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	// Server-side routing: the client may not pick its EA.
	ea, err := r.st.EAByUser(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_ea", "no EA registered for user")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !ea.Fresh(r.now()) {
		writeError(w, http.StatusServiceUnavailable, "ea_unreachable",
			fmt.Sprintf("EA %s last seen %s ago", ea.TargetUUID, r.now().Sub(ea.LastSeen).Round(time.Second)))
		return
	}

	now := r.now().UTC()
	idem := in.IdemKey
	if idem == "" {
		idem = signalbus.DeriveIdemKey(in.UserID, in.SignalID, in.Lot, now)
	}

	// Idempotency: a duplicate submission returns the original fire and
	// performs no side effects. The one exception is a row still PENDING
	// from a submission whose delivery failed; retrying it here is the only
	// way the fire ever leaves the router.
	if existing, err := r.st.FireByIdem(ctx, in.UserID, idem); err == nil {
		if existing.Status == signalbus.FirePending && !existing.DryRun {
			if reason, derr := r.deliver(ctx, existing); derr != nil {
				log.Errorf(ctx, derr, "fire: redeliver %s", existing.FireID)
				writeError(w, http.StatusServiceUnavailable, reason, derr.Error())
				return
			}
			writeJSON(w, http.StatusCreated, Response{FireID: existing.FireID, Status: "accepted", Mode: r.mode().Name()})
			return
		}
		writeJSON(w, http.StatusOK, Response{FireID: existing.FireID, Status: "deduplicated"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	fire := &signalbus.Fire{
		FireID:        uuid.New().String(),
		IdemKey:       idem,
		UserID:        in.UserID,
		SignalID:      in.SignalID,
		TargetUUID:    ea.TargetUUID,
		Symbol:        sym,
		Direction:     in.Direction,
		Lot:           in.Lot,
		StopLoss:      in.StopLoss,
		TakeProfit:    in.TakeProfit,
		Comment:       in.Comment,
		DryRun:        in.DryRun,
		Status:        signalbus.FirePending,
		CreatedAt:     now,
		UpdatedAt:     now,
		IdemExpiresAt: now.Add(signalbus.IdemWindow),
	}
	if err := r.st.InsertFire(ctx, fire); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the insert race; the unique index is authoritative.
			if existing, lookupErr := r.st.FireByIdem(ctx, in.UserID, idem); lookupErr == nil {
				writeJSON(w, http.StatusOK, Response{FireID: existing.FireID, Status: "deduplicated"})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	r.observer.Publish(ctx, signalbus.EventFireCommand, fire.CorrelationID(), fire.UserID, fire)

	if in.DryRun {
		// Dry runs stop at the row and the observation event: no stream
		// append, no IPC write, no confirmation expected. Close the row so
		// the stuck-fire scan never sees it.
		if err := r.st.UpdateFireStatus(ctx, fire.FireID, signalbus.FireCancelled, "dry_run"); err != nil {
			log.Errorf(ctx, err, "fire: close dry run %s", fire.FireID)
		}
		writeJSON(w, http.StatusOK, Response{FireID: fire.FireID, Status: "dry_run"})
		return
	}

	if reason, err := r.deliver(ctx, fire); err != nil {
		log.Errorf(ctx, err, "fire: deliver %s", fire.FireID)
		writeError(w, http.StatusServiceUnavailable, reason, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, Response{FireID: fire.FireID, Status: "accepted", Mode: r.mode().Name()})
}

// deliver hands the fire to its per-EA stream and/or the direct IPC path
// per the current mode and advances the row. A direct IPC write reaches
// the EA immediately, so the fire is marked ROUTED; stream-only fires stay
// ENQUEUED until the dispatch bridge delivers them. On failure the row is
// left PENDING so a client retry re-enters here through the idem lookup.
func (r *Router) deliver(ctx context.Context, fire *signalbus.Fire) (string, error) {
	mode := r.mode()
	if mode.RouterPublishesStream() {
		if err := r.publish(ctx, fire); err != nil {
			return "stream_unavailable", fmt.Errorf("stream publish: %w", err)
		}
	}
	status := signalbus.FireEnqueued
	if mode.RouterWritesIPC() {
		if err := r.ipc.WriteFire(fire); err != nil {
			return "ipc_unavailable", fmt.Errorf("direct IPC write: %w", err)
		}
		status = signalbus.FireRouted
	}
	if err := r.st.UpdateFireStatus(ctx, fire.FireID, status, ""); err != nil {
		log.Errorf(ctx, err, "fire: mark %s %s", status, fire.FireID)
	}
	log.Printf(ctx, "fire: %s %s %s lot=%.2f mode=%s", fire.FireID, fire.Symbol, fire.Direction, fire.Lot, mode.Name())
	return "", nil
}

// publish appends the fire to its per-EA stream with a producer span.
func (r *Router) publish(ctx context.Context, fire *signalbus.Fire) error {
	if r.streams == nil {
		return fmt.Errorf("stream client not configured")
	}
	streamID := pulse.FireStream(fire.TargetUUID)
	stream, err := r.streams.Stream(streamID)
	if err != nil {
		return fmt.Errorf("open %s: %w", streamID, err)
	}

	tracer := otel.Tracer("github.com/tradewire/signalbus/fire")
	sctx, span := tracer.Start(ctx, "fire.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pulse"),
			attribute.String("messaging.destination.name", streamID),
			attribute.String("signalbus.fire_id", fire.FireID),
			attribute.String("signalbus.target_uuid", fire.TargetUUID),
		),
	)
	defer span.End()

	payload, err := json.Marshal(fire)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshal fire: %w", err)
	}
	if _, err := stream.Add(sctx, string(signalbus.EventFireCommand), payload); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append to %s: %w", streamID, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, reason, detail string) {
	writeJSON(w, code, errorResponse{Error: reason, Detail: detail})
}
