package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rizkyandriawan/monostream/internal/engine"
	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/metrics"
	"github.com/rizkyandriawan/monostream/internal/store"
)

const DefaultPollInterval = 100 * time.Millisecond

var (
	ErrAlreadyRunning  = errors.New("consumer already running")
	ErrNoSubscriptions = errors.New("consumer has no subscriptions")
)

// Broker is the slice of the broker a Consumer needs
type Broker interface {
	Consume(topic, groupID string, maxMessages int) []store.Record
	Published() <-chan struct{}
	AddConsumer(topic string, c engine.ConsumerHandle)
	RemoveConsumer(topic, id string)
}

// Handler is invoked once per consumed record, in delivery order.
// A returned error is logged and does not stop the consumer.
type Handler func(rec store.Record) error

// Consumer polls its subscribed topics under a group label and feeds records
// to a handler on its own goroutine.
type Consumer struct {
	broker       Broker
	id           string
	groupID      string
	pollInterval time.Duration
	maxMessages  int
	log          *logrus.Entry
	metrics      *metrics.Metrics

	mu      sync.Mutex
	topics  []string
	handler Handler
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool
}

type Option func(*Consumer)

func WithPollInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxMessages sets the per-partition batch size; 0 uses the broker default
func WithMaxMessages(n int) Option {
	return func(c *Consumer) {
		c.maxMessages = n
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Consumer) {
		c.log = logging.Component(logger, logging.ComponentConsumer)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// New creates a stopped Consumer with a fresh member id
func New(broker Broker, groupID string, opts ...Option) *Consumer {
	c := &Consumer{
		broker:       broker,
		id:           uuid.NewString(),
		groupID:      groupID,
		pollInterval: DefaultPollInterval,
		log:          logging.Component(nil, logging.ComponentConsumer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"consumer": c.id, "group": groupID})
	return c
}

// ID returns the member id
func (c *Consumer) ID() string { return c.id }

func (c *Consumer) GroupID() string { return c.groupID }

// Topics returns the subscriptions in the order they were added
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Subscribe adds topics to the subscription set. Repeats are ignored.
func (c *Consumer) Subscribe(topics ...string) {
	var added []string

	c.mu.Lock()
	for _, topic := range topics {
		if topic == "" || slices.Contains(c.topics, topic) {
			continue
		}
		c.topics = append(c.topics, topic)
		added = append(added, topic)
	}
	c.mu.Unlock()

	for _, topic := range added {
		c.broker.AddConsumer(topic, c)
		c.log.WithField("topic", topic).Debug("subscribed")
	}
}

// SetHandler installs h. It takes effect from the next sweep; nil discards records.
func (c *Consumer) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Running reports whether the poll loop is active
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run polls until Stop is called or ctx is done. Both count as a clean exit.
func (c *Consumer) Run(ctx context.Context) error {
	stop, done, err := c.begin()
	if err != nil {
		return err
	}
	c.loop(ctx, stop, done)
	return nil
}

// Start runs the poll loop on its own goroutine
func (c *Consumer) Start(ctx context.Context) error {
	stop, done, err := c.begin()
	if err != nil {
		return err
	}
	go c.loop(ctx, stop, done)
	return nil
}

func (c *Consumer) begin() (chan struct{}, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return nil, nil, ErrAlreadyRunning
	}
	// a stopped loop may still be inside its last sweep
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return nil, nil, ErrAlreadyRunning
		}
	}
	if len(c.topics) == 0 {
		return nil, nil, ErrNoSubscriptions
	}

	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.running.Store(true)
	return c.stopCh, c.done, nil
}

// Stop asks the loop to exit. It returns immediately; the loop finishes its
// current sweep first, and Start fails with ErrAlreadyRunning until it has.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.running.Store(false)
}

// Wait blocks until the current loop, if any, has exited
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close stops the consumer, waits for it and drops its broker registrations
func (c *Consumer) Close() {
	c.Stop()
	c.Wait()
	for _, topic := range c.Topics() {
		c.broker.RemoveConsumer(topic, c.id)
	}
}

func (c *Consumer) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		c.running.Store(false)
		close(done)
	}()

	c.log.WithField("topics", c.Topics()).Info("consumer started")
	defer c.log.Info("consumer stopped")

	for {
		// grab the signal before sweeping so a publish during the sweep still wakes us
		published := c.broker.Published()

		if c.sweep(ctx, stop) > 0 {
			continue
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-published:
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// sweep consumes every subscribed topic once and reports how many records it delivered
func (c *Consumer) sweep(ctx context.Context, stop chan struct{}) int {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	handler := c.handler
	c.mu.Unlock()

	delivered := 0
	for _, topic := range topics {
		select {
		case <-stop:
			return delivered
		case <-ctx.Done():
			return delivered
		default:
		}

		for _, rec := range c.broker.Consume(topic, c.groupID, c.maxMessages) {
			delivered++
			if handler != nil {
				c.handle(handler, rec)
			}
		}
	}
	return delivered
}

func (c *Consumer) handle(h Handler, rec store.Record) {
	defer func() {
		if r := recover(); r != nil {
			c.fault(rec, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := h(rec); err != nil {
		c.fault(rec, err)
	}
}

func (c *Consumer) fault(rec store.Record, err error) {
	c.metrics.ObserveHandlerFault(c.groupID)
	c.log.WithError(err).WithFields(logrus.Fields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"key":       rec.Key,
	}).Error("handler failed")
}
