package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherSubscriberDeliversInOrder(t *testing.T) {
	pub, err := NewPublisher("ripple-1", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := Dial(ctx, pub.Endpoint(), nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		pub.Publish(FloatValue(float64(i)))
	}

	for i := 0; i < 5; i++ {
		select {
		case env := <-sub.Channel():
			assert.Equal(t, "ripple-1", env.Publisher)
			assert.Equal(t, float64(i), env.Value.Float)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}

func TestServiceConsumerRoundTrip(t *testing.T) {
	handler := func(ctx context.Context, method string, params Value) (Value, error) {
		return FloatValue(params.Float * 2), nil
	}
	svc, err := NewService("decoder-1", "127.0.0.1:0", handler, nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	consumer, err := DialService(ctx, svc.Endpoint())
	require.NoError(t, err)
	defer consumer.Close()

	result, err := consumer.Call(ctx, "scale", FloatValue(21))
	require.NoError(t, err)
	assert.Equal(t, 42.0, result.Float)
}

func TestMultiPollerFansInPreservingPerPublisherOrder(t *testing.T) {
	pubA, err := NewPublisher("a", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pubA.Close()
	pubB, err := NewPublisher("b", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pubB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	subA, err := Dial(ctx, pubA.Endpoint(), nil)
	require.NoError(t, err)
	subB, err := Dial(ctx, pubB.Endpoint(), nil)
	require.NoError(t, err)

	poller := NewMultiPoller(0)
	poller.Add("a", subA)
	poller.Add("b", subB)
	defer poller.Close()

	require.Eventually(t, func() bool { return pubA.SubscriberCount() == 1 && pubB.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		pubA.Publish(FloatValue(float64(i)))
	}
	for i := 0; i < 3; i++ {
		pubB.Publish(FloatValue(float64(i) + 100))
	}

	seenA, seenB := []float64{}, []float64{}
	for len(seenA) < 3 || len(seenB) < 3 {
		select {
		case env := <-poller.Channel():
			if env.Publisher == "a" {
				seenA = append(seenA, env.Value.Float)
			} else {
				seenB = append(seenB, env.Value.Float)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fan-in")
		}
	}
	assert.Equal(t, []float64{0, 1, 2}, seenA)
	assert.Equal(t, []float64{100, 101, 102}, seenB)
}

func TestRegistryResolveWithRetry(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Resolve("ripple-1")
	assert.False(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		reg.Register("ripple-1", "ws://127.0.0.1:9999/fanout")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	endpoint, err := ResolveWithRetry(ctx, reg, "ripple-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9999/fanout", endpoint)
}

func TestRegistryResolveWithRetryTimesOut(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := ResolveWithRetry(ctx, reg, "missing", 5*time.Millisecond)
	assert.Error(t, err)
}

func TestPublisherDropsOldestOnFullQueue(t *testing.T) {
	pub, err := NewPublisher("fast", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := Dial(ctx, pub.Endpoint(), nil)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	for i := 0; i < subscriberQueueDepth+50; i++ {
		pub.Publish(FloatValue(float64(i)))
	}

	var last Envelope
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case env := <-sub.Channel():
			last = env
		case <-time.After(100 * time.Millisecond):
			break drain
		case <-deadline:
			break drain
		}
	}
	assert.Greater(t, last.Value.Float, 0.0)
}
