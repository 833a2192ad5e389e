package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/ops"
	"github.com/tradewire/signalbus/store/memory"
	"github.com/tradewire/signalbus/stream/pulse"
)

type fakeStreams struct{}

func (fakeStreams) Stream(string, ...streamopts.Stream) (pulse.Stream, error) {
	return nil, errors.New("not used in handle tests")
}

func (fakeStreams) StreamInfo(context.Context, string, string) (pulse.StreamInfo, error) {
	return pulse.StreamInfo{}, nil
}

func (fakeStreams) Close(context.Context) error { return nil }

type fixture struct {
	bridge *Bridge
	store  *memory.Store
	ipc    *eaipc.Channel
	acked  bool
}

func newFixture(t *testing.T, mode ops.Mode, ipcRoot string) *fixture {
	t.Helper()
	if ipcRoot == "" {
		ipcRoot = t.TempDir()
	}
	st := memory.New()
	ipc := eaipc.New(ipcRoot)
	b, err := New(Options{
		Store:   st,
		Streams: fakeStreams{},
		IPC:     ipc,
		Mode:    func() ops.Mode { return mode },
	})
	require.NoError(t, err)
	return &fixture{bridge: b, store: st, ipc: ipc}
}

func (fx *fixture) handle(t *testing.T, fire *signalbus.Fire) {
	t.Helper()
	payload, err := json.Marshal(fire)
	require.NoError(t, err)
	fx.acked = false
	fx.bridge.handle(context.Background(), fire.TargetUUID, payload, func() error {
		fx.acked = true
		return nil
	})
}

func queuedFire(t *testing.T, fx *fixture, id string) *signalbus.Fire {
	t.Helper()
	now := time.Now().UTC()
	fire := &signalbus.Fire{
		FireID:        id,
		IdemKey:       "k-" + id,
		UserID:        "u-1",
		TargetUUID:    "ea-1",
		Symbol:        "EURUSD",
		Direction:     signalbus.Buy,
		Lot:           0.10,
		Status:        signalbus.FireEnqueued,
		CreatedAt:     now,
		UpdatedAt:     now,
		IdemExpiresAt: now.Add(signalbus.IdemWindow),
	}
	require.NoError(t, fx.store.InsertFire(context.Background(), fire))
	return fire
}

func TestHandleRoutesFire(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, "")
	fire := queuedFire(t, fx, "f-1")

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	assert.True(t, fx.ipc.Pending("ea-1", "f-1"))
	got, err := fx.store.GetFire(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRouted, got.Status)
}

func TestHandleSkipsDryRun(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, "")
	fire := queuedFire(t, fx, "f-dry")
	fire.DryRun = true

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	assert.False(t, fx.ipc.Pending("ea-1", "f-dry"))
	got, err := fx.store.GetFire(context.Background(), "f-dry")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireEnqueued, got.Status, "dry run must not transition")
}

// In shadow mode the router already wrote IPC; the bridge observes and acks
// without a second delivery.
func TestHandleShadowModeIsLogOnly(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: false, BridgeEnqueue: true}, "")
	fire := queuedFire(t, fx, "f-shadow")

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	assert.False(t, fx.ipc.Pending("ea-1", "f-shadow"))
}

// Entries published in shadow mode are marked ROUTED by the router's
// direct IPC write; a bridge that drains them after cutover must not
// deliver them a second time.
func TestHandleSkipsAlreadyRoutedFire(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, "")
	fire := queuedFire(t, fx, "f-done")
	require.NoError(t, fx.store.UpdateFireStatus(context.Background(), "f-done", signalbus.FireRouted, ""))

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	assert.False(t, fx.ipc.Pending("ea-1", "f-done"))
	got, err := fx.store.GetFire(context.Background(), "f-done")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRouted, got.Status)
}

func TestHandleRejectsForbiddenSymbol(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, "")
	fire := queuedFire(t, fx, "f-gold")
	fire.Symbol = "XAUUSD"

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	assert.False(t, fx.ipc.Pending("ea-1", "f-gold"))
	got, err := fx.store.GetFire(context.Background(), "f-gold")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRejected, got.Status)
	assert.Equal(t, "forbidden_symbol", got.Reason)
}

// When IPC writes keep failing and the EA has been silent past the
// unreachable threshold, the fire is rejected instead of retried forever.
func TestHandleRejectsUnreachableEA(t *testing.T) {
	// Root the channel at a regular file so every IPC write fails.
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, blocked)
	fire := queuedFire(t, fx, "f-gone")
	require.NoError(t, fx.store.UpsertEA(context.Background(), &signalbus.EAInstance{
		TargetUUID: "ea-1",
		UserID:     "u-1",
		LastSeen:   time.Now().Add(-signalbus.UnreachableThreshold - time.Minute),
	}))

	fx.handle(t, fire)

	assert.True(t, fx.acked)
	got, err := fx.store.GetFire(context.Background(), "f-gone")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireRejected, got.Status)
	assert.Equal(t, "ea_unreachable", got.Reason)
}

func TestHandleAcksMalformedPayload(t *testing.T) {
	fx := newFixture(t, ops.Mode{ShadowOnly: true, BridgeEnqueue: true}, "")
	acked := false
	fx.bridge.handle(context.Background(), "ea-1", []byte("junk"), func() error {
		acked = true
		return nil
	})
	assert.True(t, acked)
}
