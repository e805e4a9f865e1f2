package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversBySubscribedKind(t *testing.T) {
	bus := NewBus(nil)

	var (
		mu   sync.Mutex
		got  []Kind
		done = make(chan struct{}, 4)
	)
	record := func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	bus.Subscribe(record, KindEnrollmentDenied, KindEnrollmentRefunded)

	bus.Publish(Event{Kind: KindEnrollmentDenied})
	bus.Publish(Event{Kind: KindEnrollmentCreated})
	bus.Publish(Event{Kind: KindEnrollmentRefunded})

	bus.Close()
	close(done)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Kind{KindEnrollmentDenied, KindEnrollmentRefunded}, got)
}

func TestBus_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)

	delivered := make(chan Event, 1)
	bus.Subscribe(func(context.Context, Event) error { return errors.New("boom") }, KindEnrollmentCreated)
	bus.Subscribe(func(_ context.Context, e Event) error {
		delivered <- e
		return nil
	}, KindEnrollmentCreated)

	id := uuid.New()
	bus.Publish(Event{Kind: KindEnrollmentCreated, EnrollmentID: id})

	select {
	case e := <-delivered:
		assert.Equal(t, id, e.EnrollmentID)
		assert.False(t, e.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatalf("event was not delivered")
	}

	bus.Close()
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(nil)

	called := false
	bus.Subscribe(func(context.Context, Event) error {
		called = true
		return nil
	}, KindSubscriberCanceled)

	bus.Close()
	bus.Publish(Event{Kind: KindSubscriberCanceled})

	assert.False(t, called)
}

type stubPublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *stubPublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	return redis.NewIntResult(1, p.err)
}

func TestRedisRelay(t *testing.T) {
	pub := &stubPublisher{}
	relay := RedisRelay(pub)

	e := Event{
		Kind:         KindEnrollmentRefunded,
		EnrollmentID: uuid.New(),
		UserID:       uuid.New(),
		Status:       "refunded",
		OccurredAt:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, relay(context.Background(), e))
	assert.Equal(t, RedisChannel, pub.channel)

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, e, decoded)
}

func TestRedisRelay_PublishError(t *testing.T) {
	pub := &stubPublisher{err: errors.New("connection refused")}

	err := RedisRelay(pub)(context.Background(), Event{Kind: KindEnrollmentDenied})
	assert.ErrorContains(t, err, "connection refused")
}
