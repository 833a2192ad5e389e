package obs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store/memory"
)

func envelope(t *testing.T, id string, et signalbus.EventType, data any) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(&signalbus.Event{
		EventID:   id,
		EventType: et,
		Timestamp: time.Now().UTC(),
		Source:    "test",
		Data:      payload,
	})
	require.NoError(t, err)
	return out
}

func TestCollectorPersistsAndDedupes(t *testing.T) {
	st := memory.New()
	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	c := NewCollector(nil, st, registry)
	ctx := context.Background()

	env := envelope(t, "e-1", signalbus.EventSystemHealth, map[string]any{
		"component": "relay", "status": "ok",
	})
	c.handle(ctx, env)
	c.handle(ctx, env) // redelivery

	events, err := st.RecentEvents(ctx, signalbus.EventSystemHealth, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCollectorDropsInvalidEnvelopes(t *testing.T) {
	st := memory.New()
	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	c := NewCollector(nil, st, registry)
	ctx := context.Background()

	c.handle(ctx, []byte("not json"))
	c.handle(ctx, []byte(`{"event_type":"system_health"}`)) // no event_id

	// Schema-invalid payloads are skipped, not retried.
	c.handle(ctx, envelope(t, "e-bad", signalbus.EventSystemHealth, map[string]any{
		"component": "relay", "status": "on fire",
	}))

	for _, et := range signalbus.EventTypes() {
		events, err := st.RecentEvents(ctx, et, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}
