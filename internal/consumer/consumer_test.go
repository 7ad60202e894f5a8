package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizkyandriawan/monostream/internal/config"
	"github.com/rizkyandriawan/monostream/internal/engine"
	"github.com/rizkyandriawan/monostream/internal/metrics"
	"github.com/rizkyandriawan/monostream/internal/store"
)

func newBroker(t *testing.T) *engine.Broker {
	t.Helper()
	b := engine.New(config.Default(), store.NewMemoryStore())
	t.Cleanup(func() { b.Close() })
	return b
}

func publish(t *testing.T, b *engine.Broker, topic, key string, n int) {
	t.Helper()
	rec := store.NewRecord(topic, key, store.Payload{"n": store.Number(float64(n))})
	require.True(t, b.Publish(&rec))
}

// collector records what a handler saw
type collector struct {
	mu   sync.Mutex
	seen []float64
}

func (c *collector) handle(rec store.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, rec.Value["n"].Num())
	return nil
}

func (c *collector) values() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.seen...)
}

func TestStartRequiresSubscription(t *testing.T) {
	c := New(newBroker(t), "g")
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoSubscriptions)
	assert.False(t, c.Running())
}

func TestStartTwice(t *testing.T) {
	c := New(newBroker(t), "g")
	c.Subscribe("t")
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, c.Running())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := newBroker(t)
	require.NoError(t, b.CreateTopic("a", 1))

	c := New(b, "g")
	c.Subscribe("a", "b")
	c.Subscribe("a", "", "c")

	assert.Equal(t, []string{"a", "b", "c"}, c.Topics())
	assert.Equal(t, 1, b.TopicStats()["a"].Consumers)

	c.Close()
	assert.Equal(t, 0, b.TopicStats()["a"].Consumers)
}

func TestHandlerSeesRecordsInOrder(t *testing.T) {
	b := newBroker(t)
	require.NoError(t, b.CreateTopic("t", 3))

	var got collector
	c := New(b, "g", WithPollInterval(10*time.Millisecond))
	c.Subscribe("t")
	c.SetHandler(got.handle)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	for i := 0; i < 50; i++ {
		publish(t, b, "t", "same_key", i)
	}

	require.Eventually(t, func() bool { return len(got.values()) == 50 }, 2*time.Second, 5*time.Millisecond)
	for i, v := range got.values() {
		assert.Equal(t, float64(i), v)
	}
}

func TestHandlerFaultsDoNotStopLoop(t *testing.T) {
	b := newBroker(t)
	m := metrics.New()

	var mu sync.Mutex
	var ok []string
	c := New(b, "flaky", WithPollInterval(10*time.Millisecond), WithMetrics(m))
	c.Subscribe("t")
	c.SetHandler(func(rec store.Record) error {
		switch rec.Key {
		case "panic":
			panic("handler exploded")
		case "error":
			return errors.New("handler refused")
		}
		mu.Lock()
		ok = append(ok, rec.Key)
		mu.Unlock()
		return nil
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	for _, key := range []string{"first", "panic", "error", "last"} {
		publish(t, b, "t", key, 0)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ok) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"first", "last"}, ok)
	assert.True(t, c.Running())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerFaults.WithLabelValues("flaky")))
}

func TestNilHandlerDiscards(t *testing.T) {
	b := newBroker(t)
	c := New(b, "g", WithPollInterval(5*time.Millisecond))
	c.Subscribe("t")
	publish(t, b, "t", "k", 1)

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool {
		return b.TopicStats()["t"].TotalMessages == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopExitsWithinInterval(t *testing.T) {
	b := newBroker(t)
	c := New(b, "g", WithPollInterval(50*time.Millisecond))
	c.Subscribe("t")
	require.NoError(t, c.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	c.Stop()
	assert.False(t, c.Running())
	c.Wait()

	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// restartable after a clean stop
	require.NoError(t, c.Start(context.Background()))
	c.Close()
}

func TestRestartWhileHandlerBusy(t *testing.T) {
	b := newBroker(t)
	publish(t, b, "t", "k", 1)
	publish(t, b, "t", "k", 2)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var active, peak atomic.Int32

	c := New(b, "g", WithPollInterval(5*time.Millisecond))
	c.Subscribe("t")
	c.SetHandler(func(store.Record) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	close(release)
	c.Wait()

	require.NoError(t, c.Start(context.Background()))
	c.Close()
	assert.Equal(t, int32(1), peak.Load())
}

func TestContextCancelEndsRun(t *testing.T) {
	b := newBroker(t)
	c := New(b, "g")
	c.Subscribe("t")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, c.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Running())
}

func TestPublishWakesIdleConsumer(t *testing.T) {
	b := newBroker(t)

	delivered := make(chan time.Time, 1)
	c := New(b, "g", WithPollInterval(time.Hour))
	c.Subscribe("t")
	c.SetHandler(func(store.Record) error {
		delivered <- time.Now()
		return nil
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	// let the loop park on the signal
	time.Sleep(20 * time.Millisecond)
	sent := time.Now()
	publish(t, b, "t", "k", 1)

	select {
	case at := <-delivered:
		assert.Less(t, at.Sub(sent), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not wake the consumer")
	}
}

func TestCompetingConsumersDeliverOnce(t *testing.T) {
	b := newBroker(t)
	require.NoError(t, b.CreateTopic("t", 4))

	var a, z collector
	ca := New(b, "group_a", WithPollInterval(5*time.Millisecond))
	cz := New(b, "group_z", WithPollInterval(5*time.Millisecond))
	for c, col := range map[*Consumer]*collector{ca: &a, cz: &z} {
		c.Subscribe("t")
		c.SetHandler(col.handle)
		require.NoError(t, c.Start(context.Background()))
		defer c.Close()
	}

	for i := 0; i < 200; i++ {
		publish(t, b, "t", fmt.Sprintf("k%d", i), i)
	}

	require.Eventually(t, func() bool {
		return len(a.values())+len(z.values()) == 200
	}, 2*time.Second, 5*time.Millisecond)

	seen := make(map[float64]bool)
	for _, v := range append(a.values(), z.values()...) {
		assert.False(t, seen[v], "duplicate delivery of %v", v)
		seen[v] = true
	}
}
