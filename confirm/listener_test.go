package confirm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/store/memory"
)

type fakeSubscriber struct{}

func (fakeSubscriber) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return &nats.Subscription{}, nil
}

// capturePublisher records published observation envelopes.
type capturePublisher struct {
	mu     sync.Mutex
	events []signalbus.Event
}

func (p *capturePublisher) Publish(_ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ev signalbus.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(et signalbus.EventType) []signalbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []signalbus.Event
	for _, ev := range p.events {
		if ev.EventType == et {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	listener *Listener
	store    *memory.Store
	pub      *capturePublisher
}

func newFixture(t *testing.T, ipc *eaipc.Channel) *fixture {
	t.Helper()
	st := memory.New()
	pub := &capturePublisher{}
	l, err := New(Options{
		Subscriber: fakeSubscriber{},
		Store:      st,
		IPC:        ipc,
		Observer:   obs.NewClient(pub, nil, "confirm"),
	})
	require.NoError(t, err)
	return &fixture{listener: l, store: st, pub: pub}
}

func routedFire(t *testing.T, fx *fixture, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, fx.store.InsertFire(context.Background(), &signalbus.Fire{
		FireID:        id,
		IdemKey:       "k-" + id,
		UserID:        "u-1",
		SignalID:      "sig-1",
		TargetUUID:    "ea-1",
		Symbol:        "EURUSD",
		Direction:     signalbus.Buy,
		Lot:           0.10,
		Status:        signalbus.FireRouted,
		CreatedAt:     now,
		UpdatedAt:     now,
		IdemExpiresAt: now.Add(signalbus.IdemWindow),
	}))
}

func TestApplyFinalFill(t *testing.T) {
	fx := newFixture(t, nil)
	routedFire(t, fx, "f-1")
	ctx := context.Background()

	fx.listener.Apply(ctx, &signalbus.Confirmation{
		FireID:   "f-1",
		Sequence: 1,
		Status:   signalbus.ConfirmFilled,
		Ticket:   "900123",
		Price:    1.0852,
		Volume:   0.10,
	})

	got, err := fx.store.GetFire(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireFilled, got.Status)
	assert.Equal(t, "900123", got.Ticket)
	assert.Equal(t, 1.0852, got.FillPrice)

	executed := fx.pub.byType(signalbus.EventTradeExecuted)
	require.Len(t, executed, 1)
	// The observation correlates back to the originating signal.
	assert.Equal(t, "sig-1", executed[0].CorrelationID)
}

func TestApplyPartialThenFinal(t *testing.T) {
	fx := newFixture(t, nil)
	routedFire(t, fx, "f-1")
	ctx := context.Background()

	fx.listener.Apply(ctx, &signalbus.Confirmation{
		FireID: "f-1", Sequence: 1, Status: signalbus.ConfirmPartial, Ticket: "900123", Price: 1.0850, Volume: 0.05,
	})

	got, err := fx.store.GetFire(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRouted, got.Status, "partial fill keeps the fire ROUTED")
	assert.Equal(t, "900123", got.Ticket, "partial fill still records attributes")
	assert.Empty(t, fx.pub.byType(signalbus.EventTradeExecuted))

	fx.listener.Apply(ctx, &signalbus.Confirmation{
		FireID: "f-1", Sequence: 2, Status: signalbus.ConfirmFilled, Ticket: "900123", Price: 1.0851, Volume: 0.10,
	})

	got, err = fx.store.GetFire(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireFilled, got.Status)
	assert.Len(t, fx.pub.byType(signalbus.EventTradeExecuted), 1)
}

// A replayed confirmation sequence is dropped before any state change.
func TestApplyDuplicateSequence(t *testing.T) {
	fx := newFixture(t, nil)
	routedFire(t, fx, "f-1")
	ctx := context.Background()

	final := &signalbus.Confirmation{FireID: "f-1", Sequence: 1, Status: signalbus.ConfirmFilled, Ticket: "900123", Price: 1.0852}
	fx.listener.Apply(ctx, final)
	fx.listener.Apply(ctx, final)

	assert.Len(t, fx.pub.byType(signalbus.EventTradeExecuted), 1)
}

func TestApplyUnknownFireDiscarded(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.listener.Apply(ctx, &signalbus.Confirmation{FireID: "ghost", Sequence: 1, Status: signalbus.ConfirmFilled})

	confirmations, err := fx.store.Confirmations(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, confirmations, "unknown fire is discarded, not recorded")
	assert.Empty(t, fx.pub.byType(signalbus.EventTradeExecuted))
}

func TestApplyRejectionAndCancellation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	routedFire(t, fx, "f-rej")
	fx.listener.Apply(ctx, &signalbus.Confirmation{FireID: "f-rej", Sequence: 1, Status: signalbus.ConfirmRejected})
	got, err := fx.store.GetFire(ctx, "f-rej")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRejected, got.Status)
	assert.Equal(t, "broker_REJECTED", got.Reason)

	routedFire(t, fx, "f-can")
	fx.listener.Apply(ctx, &signalbus.Confirmation{FireID: "f-can", Sequence: 1, Status: signalbus.ConfirmCancelled})
	got, err = fx.store.GetFire(ctx, "f-can")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireCancelled, got.Status)
}

func TestSweepFilesAppliesConfirmations(t *testing.T) {
	dir := t.TempDir()
	fx := newFixture(t, eaipc.New(dir))
	routedFire(t, fx, "f-1")
	ctx := context.Background()

	eaDir := filepath.Join(dir, "ea-1")
	require.NoError(t, os.MkdirAll(eaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(eaDir, "confirmation_1.json"), []byte(
		`{"fire_id":"f-1","status":"FILLED","ticket":"77","price":1.085,"volume":0.1,"sequence":1,"timestamp":1764600000}`,
	), 0o644))

	fx.listener.sweepFiles(ctx)

	got, err := fx.store.GetFire(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireFilled, got.Status)
}

func TestHeartbeatRegistersEA(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.listener.heartbeat(ctx, []byte(`{"target_uuid":"ea-9","user_id":"u-9","balance":5000,"equity":4900}`))

	ea, err := fx.store.GetEA(ctx, "ea-9")
	require.NoError(t, err)
	assert.Equal(t, "u-9", ea.UserID)
	assert.Equal(t, 5000.0, ea.Balance)
	assert.WithinDuration(t, time.Now(), ea.LastSeen, 5*time.Second)

	assert.Len(t, fx.pub.byType(signalbus.EventBalanceUpdate), 1)

	// Malformed heartbeats change nothing.
	fx.listener.heartbeat(ctx, []byte("junk"))
	all, err := fx.store.ListEAs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
