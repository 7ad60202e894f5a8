// Package generator produces synthetic user-event and sensor records on a
// random-delay loop. Generators only talk to the broker through Send.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/store"
)

const (
	TypeUserEvents = "user_events"
	TypeSensorData = "sensor_data"
)

var ErrUnknownGenerator = errors.New("unknown generator type")

// Sender is satisfied by *producer.Producer
type Sender interface {
	Send(topic, key string, value store.Payload) bool
}

// Generator describes one synthetic stream
type Generator struct {
	Type     string
	Topic    string
	MinDelay time.Duration
	MaxDelay time.Duration
	event    func(r *rand.Rand, now time.Time) (key string, value store.Payload)
}

var (
	eventTypes = []string{"click", "view", "purchase", "signup"}
	pages      = []string{"home", "product", "cart", "checkout"}
	locations  = []string{"warehouse_a", "warehouse_b", "office"}
)

// UserEvents emits page interactions keyed by user_<id>
func UserEvents() *Generator {
	return &Generator{
		Type:     TypeUserEvents,
		Topic:    "user_events",
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		event: func(r *rand.Rand, now time.Time) (string, store.Payload) {
			userID := 1 + r.IntN(999)
			return fmt.Sprintf("user_%d", userID), store.Payload{
				"user_id":    store.Number(float64(userID)),
				"event_type": store.String(pick(r, eventTypes)),
				"page":       store.String(pick(r, pages)),
				"timestamp":  store.String(now.Format(time.RFC3339Nano)),
				"session_id": store.String(fmt.Sprintf("session_%d", 1+r.IntN(99))),
				"value":      store.Number(r.Float64() * 100),
			}
		},
	}
}

// SensorData emits IoT readings keyed by sensor id
func SensorData() *Generator {
	return &Generator{
		Type:     TypeSensorData,
		Topic:    "sensor_data",
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 3 * time.Second,
		event: func(r *rand.Rand, now time.Time) (string, store.Payload) {
			sensorID := fmt.Sprintf("sensor_%d", 1+r.IntN(49))
			return sensorID, store.Payload{
				"sensor_id":   store.String(sensorID),
				"temperature": store.Number(25 + r.NormFloat64()*5),
				"humidity":    store.Number(30 + r.Float64()*50),
				"pressure":    store.Number(1013 + r.NormFloat64()*10),
				"timestamp":   store.String(now.Format(time.RFC3339Nano)),
				"location":    store.String(pick(r, locations)),
			}
		},
	}
}

// Lookup returns a fresh generator for a type name
func Lookup(typ string) (*Generator, error) {
	switch typ {
	case TypeUserEvents:
		return UserEvents(), nil
	case TypeSensorData:
		return SensorData(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, typ)
	}
}

// Event builds one record payload
func (g *Generator) Event(r *rand.Rand) (string, store.Payload) {
	return g.event(r, time.Now())
}

// delay picks the pause before the next event, scaled
func (g *Generator) delay(r *rand.Rand, scale float64) time.Duration {
	span := float64(g.MaxDelay - g.MinDelay)
	return time.Duration((float64(g.MinDelay) + r.Float64()*span) * scale)
}

// Run sends events until ctx is done. A rejected send is logged and the loop continues.
func (g *Generator) Run(ctx context.Context, sender Sender, scale float64, r *rand.Rand, log *logrus.Entry) {
	for {
		key, value := g.Event(r)
		if !sender.Send(g.Topic, key, value) {
			log.WithFields(logrus.Fields{"topic": g.Topic, "key": key}).Warn("generator send rejected")
		}

		timer := time.NewTimer(g.delay(r, scale))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func pick(r *rand.Rand, options []string) string {
	return options[r.IntN(len(options))]
}

// RunInfo describes an active generator run
type RunInfo struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Topic   string    `json:"topic"`
	Started time.Time `json:"started"`
}

type run struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts generators on their own goroutines and stops them together
type Manager struct {
	sender Sender
	scale  float64
	log    *logrus.Entry

	mu   sync.Mutex
	runs map[string]*run
}

type Option func(*Manager)

// WithDelayScale multiplies every generator's delay range
func WithDelayScale(scale float64) Option {
	return func(m *Manager) {
		if scale > 0 {
			m.scale = scale
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		m.log = logging.Component(logger, logging.ComponentGenerator)
	}
}

// NewManager creates a Manager that sends through sender
func NewManager(sender Sender, opts ...Option) *Manager {
	m := &Manager{
		sender: sender,
		scale:  1,
		log:    logging.Component(nil, logging.ComponentGenerator),
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a generator of the given type and returns its run id
func (m *Manager) Start(typ string) (string, error) {
	g, err := Lookup(typ)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		info: RunInfo{
			ID:      uuid.NewString(),
			Type:    g.Type,
			Topic:   g.Topic,
			Started: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[r.info.ID] = r
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"run": r.info.ID, "type": g.Type})
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	go func() {
		defer close(r.done)
		g.Run(ctx, m.sender, m.scale, rng, log)
	}()

	log.Info("generator started")
	return r.info.ID, nil
}

// StopAll cancels every run, waits for them and returns how many were stopped
func (m *Manager) StopAll() int {
	m.mu.Lock()
	runs := m.runs
	m.runs = make(map[string]*run)
	m.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}

	if len(runs) > 0 {
		m.log.WithField("count", len(runs)).Info("generators stopped")
	}
	return len(runs)
}

// Runs lists active generator runs, oldest first
func (m *Manager) Runs() []RunInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RunInfo, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
