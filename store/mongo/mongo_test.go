package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/store"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
	mongoSetupDone     bool
)

func setupMongoDB() {
	mongoSetupDone = true
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

// getStore returns a Store over a per-test database with indexes applied.
func getStore(t *testing.T) *Store {
	t.Helper()
	if !mongoSetupDone {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("signalbus_test_" + t.Name())
	require.NoError(t, db.Drop(context.Background()))
	s := New(db)
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

func mongoFire(id, userID, idem string) *signalbus.Fire {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &signalbus.Fire{
		FireID:        id,
		IdemKey:       idem,
		UserID:        userID,
		TargetUUID:    "ea-1",
		Symbol:        "EURUSD",
		Direction:     signalbus.Buy,
		Lot:           0.10,
		Status:        signalbus.FirePending,
		CreatedAt:     now,
		UpdatedAt:     now,
		IdemExpiresAt: now.Add(signalbus.IdemWindow),
	}
}

func TestMongoSignalRoundTrip(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	sig := &signalbus.Signal{
		SignalID:   "sig-1",
		Symbol:     "GBPUSD",
		Direction:  signalbus.Sell,
		Entry:      1.2700,
		StopLoss:   1.2750,
		TakeProfit: 1.2600,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	inserted, err := s.SaveSignal(ctx, sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveSignal(ctx, sig)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, sig.Symbol, got.Symbol)
	assert.False(t, got.Streamed)

	require.NoError(t, s.MarkSignalStreamed(ctx, "sig-1"))
	missing, err := s.UnstreamedSignals(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

// The (user_id, idem_key) unique index is the idempotency mechanism; a
// concurrent duplicate insert must surface ErrDuplicate, not a second row.
func TestMongoFireIdempotencyIndex(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFire(ctx, mongoFire("f-1", "u-1", "key-1")))

	err := s.InsertFire(ctx, mongoFire("f-2", "u-1", "key-1"))
	require.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.InsertFire(ctx, mongoFire("f-3", "u-2", "key-1")))

	got, err := s.FireByIdem(ctx, "u-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "f-1", got.FireID)

	_, err = s.FireByIdem(ctx, "u-3", "key-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMongoFireLifecycle(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFire(ctx, mongoFire("f-1", "u-1", "k-1")))
	require.NoError(t, s.UpdateFireStatus(ctx, "f-1", signalbus.FireRouted, ""))
	require.NoError(t, s.RecordFill(ctx, "f-1", "900123", 1.0851))
	require.NoError(t, s.UpdateFireStatus(ctx, "f-1", signalbus.FireFilled, ""))

	got, err := s.GetFire(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, signalbus.FireFilled, got.Status)
	assert.Equal(t, "900123", got.Ticket)

	require.ErrorIs(t, s.UpdateFireStatus(ctx, "nope", signalbus.FireFilled, ""), store.ErrNotFound)
}

func TestMongoStuckFireScan(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	stuck := mongoFire("f-stuck", "u-1", "k-1")
	stuck.Status = signalbus.FireEnqueued
	stuck.UpdatedAt = time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, s.InsertFire(ctx, stuck))

	terminal := mongoFire("f-done", "u-2", "k-2")
	terminal.Status = signalbus.FireRejected
	terminal.UpdatedAt = time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, s.InsertFire(ctx, terminal))

	got, err := s.StuckFires(ctx, time.Now().Add(-signalbus.StuckFireThreshold))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-stuck", got[0].FireID)
}

func TestMongoEAUpsert(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	ea := &signalbus.EAInstance{
		TargetUUID: "ea-1",
		UserID:     "u-1",
		LastSeen:   time.Now().UTC().Truncate(time.Millisecond),
		Balance:    1000,
	}
	require.NoError(t, s.UpsertEA(ctx, ea))
	ea.Balance = 1500
	require.NoError(t, s.UpsertEA(ctx, ea))

	got, err := s.EAByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, got.Balance)

	all, err := s.ListEAs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMongoConfirmationSequenceIndex(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	c := &signalbus.Confirmation{FireID: "f-1", Sequence: 1, Status: signalbus.ConfirmPartial, Volume: 0.05}
	inserted, err := s.InsertConfirmation(ctx, c)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertConfirmation(ctx, c)
	require.NoError(t, err)
	assert.False(t, inserted)

	final := &signalbus.Confirmation{FireID: "f-1", Sequence: 2, Status: signalbus.ConfirmFilled, Volume: 0.05}
	inserted, err = s.InsertConfirmation(ctx, final)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := s.Confirmations(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, signalbus.ConfirmFilled, got[1].Status)
}

func TestMongoEventDedupe(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	ev := &signalbus.Event{
		EventID:       "e-1",
		EventType:     signalbus.EventTradeExecuted,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Source:        "confirm",
		CorrelationID: "sig-1",
	}
	inserted, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	byCorr, err := s.EventsByCorrelation(ctx, "sig-1", 10)
	require.NoError(t, err)
	assert.Len(t, byCorr, 1)

	recent, err := s.RecentEvents(ctx, signalbus.EventTradeExecuted, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
