package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store/memory"
	"github.com/tradewire/signalbus/stream/pulse"
)

type fakeSubscriber struct{}

func (fakeSubscriber) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return &nats.Subscription{}, nil
}

// fakeStreams records appends and can be made to fail so the reconcile path
// is observable.
type fakeStreams struct {
	mu      sync.Mutex
	added   [][]byte
	failAdd bool
}

func (f *fakeStreams) Stream(string, ...streamopts.Stream) (pulse.Stream, error) {
	return &fakeStream{parent: f}, nil
}

func (f *fakeStreams) StreamInfo(context.Context, string, string) (pulse.StreamInfo, error) {
	return pulse.StreamInfo{}, nil
}

func (f *fakeStreams) Close(context.Context) error { return nil }

func (f *fakeStreams) entries() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added
}

type fakeStream struct {
	parent *fakeStreams
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.parent.failAdd {
		return "", errors.New("redis down")
	}
	s.parent.added = append(s.parent.added, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func newBridge(t *testing.T) (*Bridge, *memory.Store, *fakeStreams) {
	t.Helper()
	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	st := memory.New()
	streams := &fakeStreams{}
	b, err := New(Options{
		Subscriber: fakeSubscriber{},
		Store:      st,
		Streams:    streams,
		Registry:   registry,
	})
	require.NoError(t, err)
	return b, st, streams
}

func rawSignal(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"signal_id":  id,
		"symbol":     "EURUSD",
		"direction":  "BUY",
		"entry":      1.0850,
		"sl":         1.0800,
		"tp":         1.0950,
		"confidence": 85.0,
		"pattern":    "LIQUIDITY_SWEEP_REVERSAL",
	})
	require.NoError(t, err)
	return payload
}

func TestIngestPersistsAndStreams(t *testing.T) {
	b, st, streams := newBridge(t)
	ctx := context.Background()

	b.Ingest(ctx, rawSignal(t, "sig-1"))

	got, err := st.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.True(t, got.Streamed)
	require.Len(t, streams.entries(), 1)
	assert.Contains(t, string(streams.entries()[0]), "sig-1")
}

func TestIngestAssignsIDWhenAbsent(t *testing.T) {
	b, st, _ := newBridge(t)
	ctx := context.Background()

	payload := []byte(`{"symbol":"GBPUSD","direction":"SELL","entry":1.27,"sl":1.275,"tp":1.26,"confidence":70}`)
	b.Ingest(ctx, payload)

	missing, err := st.UnstreamedSignals(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, missing, "assigned-ID signal should be streamed")
}

// A replayed signal is a no-op: no second row, no second stream entry.
func TestIngestDuplicateSignal(t *testing.T) {
	b, _, streams := newBridge(t)
	ctx := context.Background()

	b.Ingest(ctx, rawSignal(t, "sig-1"))
	b.Ingest(ctx, rawSignal(t, "sig-1"))

	assert.Len(t, streams.entries(), 1)
}

func TestIngestDropsInvalidPayloads(t *testing.T) {
	b, st, streams := newBridge(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"not json":         []byte("garbage"),
		"missing fields":   []byte(`{"symbol":"EURUSD"}`),
		"forbidden symbol": []byte(`{"symbol":"XAUUSD","direction":"BUY","entry":2400,"sl":2390,"tp":2420,"confidence":90}`),
		"unknown symbol":   []byte(`{"symbol":"USDTRY","direction":"BUY","entry":32,"sl":31,"tp":33,"confidence":50}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			b.Ingest(ctx, payload)
		})
	}
	assert.Empty(t, streams.entries())
	missing, err := st.UnstreamedSignals(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

// A crash between row insert and stream append leaves an unstreamed row;
// the reconcile pass re-appends it.
func TestReconcileReappendsMissedSignals(t *testing.T) {
	b, st, streams := newBridge(t)
	ctx := context.Background()

	streams.failAdd = true
	b.Ingest(ctx, rawSignal(t, "sig-lost"))

	got, err := st.GetSignal(ctx, "sig-lost")
	require.NoError(t, err)
	assert.False(t, got.Streamed)
	assert.Empty(t, streams.entries())

	streams.failAdd = false
	require.NoError(t, b.Reconcile(ctx))

	require.Len(t, streams.entries(), 1)
	got, err = st.GetSignal(ctx, "sig-lost")
	require.NoError(t, err)
	assert.True(t, got.Streamed)
}
