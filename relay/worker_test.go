package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/stream/pulse"
)

// fakeStream records appended payloads; used as the dead-letter target.
type fakeStream struct {
	mu    sync.Mutex
	added [][]byte
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) entries() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added
}

func signalPayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(&signalbus.Signal{
		SignalID:   id,
		Symbol:     "EURUSD",
		Direction:  signalbus.Buy,
		Entry:      1.0850,
		StopLoss:   1.0800,
		TakeProfit: 1.0950,
		Confidence: 80,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return payload
}

func newTestWorker(t *testing.T, endpoint string) *Worker {
	t.Helper()
	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	w, err := NewWorker(fakeClient{}, NewPoster(endpoint), registry)
	require.NoError(t, err)
	return w
}

// fakeClient satisfies pulse.Client for worker construction; stream opening
// is exercised in Run, not in deliver.
type fakeClient struct{}

func (fakeClient) Stream(string, ...streamopts.Stream) (pulse.Stream, error) {
	return &fakeStream{}, nil
}

func (fakeClient) StreamInfo(context.Context, string, string) (pulse.StreamInfo, error) {
	return pulse.StreamInfo{}, nil
}

func (fakeClient) Close(context.Context) error { return nil }

func TestDeliverPostsWithIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		var sig signalbus.Signal
		_ = json.NewDecoder(r.Body).Decode(&sig)
		gotBody, _ = json.Marshal(&sig)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	dead := &fakeStream{}
	acked := false

	w.deliver(context.Background(), dead, signalPayload(t, "sig-1"), func() error {
		acked = true
		return nil
	})

	assert.True(t, acked)
	assert.Equal(t, "sig-1", gotKey)
	assert.Contains(t, string(gotBody), "EURUSD")
	assert.Empty(t, dead.entries())
}

// A malformed entry is a consumer-side warning: acked and skipped, never
// posted and never dead-lettered.
func TestDeliverSkipsMalformedEntry(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posted = true
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	dead := &fakeStream{}
	acked := false

	w.deliver(context.Background(), dead, []byte("not json"), func() error {
		acked = true
		return nil
	})

	assert.True(t, acked)
	assert.False(t, posted)
	assert.Empty(t, dead.entries())
}

func TestDeliverSkipsInvalidSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("invalid signal must not be posted")
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	acked := false

	// Schema-valid JSON but a forbidden symbol.
	payload := []byte(`{"signal_id":"sig-x","symbol":"XAUUSD","direction":"BUY","entry":2400,"sl":2390,"tp":2420,"confidence":90}`)
	w.deliver(context.Background(), &fakeStream{}, payload, func() error {
		acked = true
		return nil
	})
	assert.True(t, acked)
}

// When the retry budget is exhausted the entry moves to the dead-letter
// stream and is acked so it cannot poison the group. The context deadline
// collapses the backoff so the test stays fast.
func TestDeliverDeadLettersOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	dead := &fakeStream{}
	acked := false

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.deliver(ctx, dead, signalPayload(t, "sig-dlq"), func() error {
		acked = true
		return nil
	})

	assert.True(t, acked)
	require.Len(t, dead.entries(), 1)
	assert.Contains(t, string(dead.entries()[0]), "sig-dlq")
}

func TestPosterRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPoster(srv.URL)
	err := p.Post(context.Background(), "sig-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, backoffCap)
		}
	}
}
