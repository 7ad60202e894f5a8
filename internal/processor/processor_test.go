package processor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizkyandriawan/monostream/internal/config"
	"github.com/rizkyandriawan/monostream/internal/engine"
	"github.com/rizkyandriawan/monostream/internal/store"
)

func setup(t *testing.T) (*engine.Broker, *Pipeline) {
	t.Helper()
	b := engine.New(config.Default(), store.NewMemoryStore())
	p := NewPipeline(b, WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() {
		p.StopAll()
		b.Close()
	})
	return b, p
}

func publish(t *testing.T, b *engine.Broker, topic, key string, value store.Payload) {
	t.Helper()
	rec := store.NewRecord(topic, key, value)
	require.True(t, b.Publish(&rec))
}

// drain polls topic until want records arrive or the deadline passes
func drain(t *testing.T, b *engine.Broker, topic string, want int) []store.Record {
	t.Helper()
	var got []store.Record
	require.Eventually(t, func() bool {
		got = append(got, b.Consume(topic, "test", 100)...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestPipelineEndToEnd(t *testing.T) {
	b, p := setup(t)
	require.NoError(t, b.CreateTopic("user_events", 3))
	require.NoError(t, b.CreateTopic("processed_events", 2))

	require.NoError(t, p.AddProcessor("event_aggregator", "user_events", "processed_events", EventScore))
	publish(t, b, "user_events", "user_7", store.Payload{"value": store.Number(10), "page": store.String("cart")})

	out := drain(t, b, "processed_events", 1)
	require.Len(t, out, 1)
	assert.Equal(t, "user_7", out[0].Key)
	assert.Equal(t, 15.0, out[0].Value["event_score"].Num())
	assert.Equal(t, "cart", out[0].Value["page"].Str())
	assert.Equal(t, store.KindString, out[0].Value["processed_at"].Kind())
}

func TestTransformErrorIsIsolated(t *testing.T) {
	b, p := setup(t)

	require.NoError(t, p.AddProcessor("picky", "in", "out", func(in store.Payload) (store.Payload, error) {
		switch in["mode"].Str() {
		case "error":
			return nil, errors.New("rejected")
		case "panic":
			panic("transform exploded")
		}
		return in, nil
	}))

	for _, mode := range []string{"ok", "error", "panic", "ok"} {
		publish(t, b, "in", mode, store.Payload{"mode": store.String(mode)})
	}

	out := drain(t, b, "out", 2)
	assert.Len(t, out, 2)
	for _, rec := range out {
		assert.Equal(t, "ok", rec.Key)
	}
	assert.True(t, p.Processors()[0].Running)
}

func TestAddProcessorReplacesSameName(t *testing.T) {
	b, p := setup(t)

	require.NoError(t, p.AddProcessor("dup", "in", "first", EventScore))
	first := p.processors["dup"]
	require.NoError(t, p.AddProcessor("dup", "in", "second", EventScore))

	assert.False(t, first.consumer.Running(), "replaced processor must be stopped")
	require.Len(t, p.Processors(), 1)
	assert.Equal(t, "second", p.Processors()[0].Output)

	publish(t, b, "in", "k", store.Payload{"value": store.Number(2)})
	drain(t, b, "second", 1)
	assert.Empty(t, b.Consume("first", "test", 100))

	// only the live processor is registered against the input topic
	assert.Equal(t, 1, b.TopicStats()["in"].Consumers)
}

func TestReplacingBusyProcessorKeepsPipelineReadable(t *testing.T) {
	b, p := setup(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	require.NoError(t, p.AddProcessor("slow", "in", "out", func(in store.Payload) (store.Payload, error) {
		close(entered)
		<-release
		return in, nil
	}))
	publish(t, b, "in", "k", store.Payload{"value": store.Number(1)})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("transform never ran")
	}

	added := make(chan error, 1)
	go func() { added <- p.AddProcessor("slow", "in", "out", EventScore) }()

	// the old processor is detached while its transform is still blocked
	require.Eventually(t, func() bool {
		return len(p.Processors()) == 0
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.False(t, p.StopProcessor("other"))

	unblock()
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AddProcessor did not finish")
	}
	require.Len(t, p.Processors(), 1)
	assert.True(t, p.Processors()[0].Running)
}

func TestAddProcessorValidates(t *testing.T) {
	_, p := setup(t)

	assert.ErrorIs(t, p.AddProcessor("", "in", "out", EventScore), ErrInvalidProcessor)
	assert.ErrorIs(t, p.AddProcessor("x", "", "out", EventScore), ErrInvalidProcessor)
	assert.ErrorIs(t, p.AddProcessor("x", "in", "", EventScore), ErrInvalidProcessor)
	assert.ErrorIs(t, p.AddProcessor("x", "in", "out", nil), ErrInvalidProcessor)
	assert.Empty(t, p.Processors())
}

func TestStopProcessorAndStopAll(t *testing.T) {
	_, p := setup(t)

	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, p.AddProcessor(name, "in_"+name, "out_"+name, EventScore))
	}
	infos := p.Processors()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)

	assert.True(t, p.StopProcessor("b"))
	assert.False(t, p.StopProcessor("b"))
	assert.Len(t, p.Processors(), 2)

	a := p.processors["a"]
	p.StopAll()
	assert.Empty(t, p.Processors())
	assert.False(t, a.consumer.Running())
}

func TestEventScore(t *testing.T) {
	in := store.Payload{"value": store.Number(4), "user_id": store.Number(1)}
	out, err := EventScore(in)
	require.NoError(t, err)

	assert.Equal(t, 6.0, out["event_score"].Num())
	assert.Equal(t, 1.0, out["user_id"].Num())
	_, err = time.Parse(time.RFC3339, out["processed_at"].Str())
	assert.NoError(t, err)
	assert.NotContains(t, in, "event_score", "input must not be modified")

	out, err = EventScore(nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out["event_score"].Num())

	_, err = EventScore(store.Payload{"value": store.String("ten")})
	assert.ErrorIs(t, err, ErrNotNumeric)
}
