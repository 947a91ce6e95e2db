package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundescrow/pkg/trace"
)

type published struct {
	routingKey string
	traceID    string
	body       []byte
}

type fakePublisher struct {
	fail bool
	sent []published
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, published{routingKey: routingKey, traceID: trace.FromContext(ctx), body: body})
	return nil
}

func TestDispatchOncePublishesPendingInOrder(t *testing.T) {
	store := NewMemoryStore()
	store.Append(Event{RoutingKey: "milestone.decided", AggregateID: "m1", Payload: json.RawMessage(`{"milestone_id":"m1","trace_id":"abc"}`)})
	store.Append(Event{RoutingKey: "milestone.settled", AggregateID: "m1", Payload: json.RawMessage(`{"milestone_id":"m1"}`)})

	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	assert.Equal(t, 2, d.DispatchOnce(context.Background()))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "milestone.decided", pub.sent[0].routingKey)
	assert.Equal(t, "abc", pub.sent[0].traceID)
	assert.JSONEq(t, `{"milestone_id":"m1","trace_id":"abc"}`, string(pub.sent[0].body))

	for _, e := range store.Events() {
		assert.Equal(t, StatusSent, e.Status)
	}
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
}

func TestDispatchFailureBacksOffThenFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	id := store.Append(Event{RoutingKey: "donation.received", Payload: json.RawMessage(`{}`)})

	pub := &fakePublisher{fail: true}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	e, err := store.GetEventByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	require.NotNil(t, e.NextRetryAt)

	// not yet due
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	e, _ = store.GetEventByID(context.Background(), id)
	assert.Equal(t, 1, e.RetryCount)

	now = now.Add(time.Minute)
	d.DispatchOnce(context.Background())
	e, _ = store.GetEventByID(context.Background(), id)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 2, e.RetryCount)
}

func TestReplayFailedEvents(t *testing.T) {
	store := NewMemoryStore()
	id := store.Append(Event{RoutingKey: "settlement.escalated", Payload: json.RawMessage(`{"reason":"declined"}`)})
	require.NoError(t, store.MarkAsFailed(context.Background(), id, 1))

	pub := &fakePublisher{}
	n, err := NewReplayService(store, pub).ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, _ := store.GetEventByID(context.Background(), id)
	assert.Equal(t, StatusSent, e.Status)
}

func TestReplayUnknownEvent(t *testing.T) {
	err := NewReplayService(NewMemoryStore(), &fakePublisher{}).ReplayEvent(context.Background(), 42)
	assert.ErrorIs(t, err, ErrEventNotFound)
}
