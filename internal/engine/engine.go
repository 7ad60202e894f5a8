package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/rizkyandriawan/monostream/internal/config"
	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/metrics"
	"github.com/rizkyandriawan/monostream/internal/store"
)

var (
	ErrEmptyTopic    = errors.New("topic name is empty")
	ErrAlreadyPlaced = errors.New("record already has a partition")
	ErrNilRecord     = errors.New("record is nil")
)

// ConsumerHandle identifies a registered consumer. The registry is informational only.
type ConsumerHandle interface {
	ID() string
}

// TopicStats is a point-in-time view of one topic
type TopicStats struct {
	Partitions    int `json:"partitions"`
	TotalMessages int `json:"total_messages"`
	Consumers     int `json:"consumers"`
}

// Broker owns the topic logs. Every store access happens under mu, so callers
// observe a linear history of publish, consume, create and stats.
type Broker struct {
	config  *config.Config
	store   store.LogStore
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu        sync.Mutex
	consumers map[string]map[string]ConsumerHandle

	published  *publishSignal
	statsSched *StatsScheduler
	stopOnce   sync.Once
}

// Option configures a Broker
type Option func(*Broker)

func WithLogger(logger *logrus.Logger) Option {
	return func(b *Broker) {
		b.log = logging.Component(logger, logging.ComponentBroker)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// New creates a Broker over logStore. A nil cfg uses config.Default().
func New(cfg *config.Config, logStore store.LogStore, opts ...Option) *Broker {
	if cfg == nil {
		cfg = config.Default()
	}
	b := &Broker{
		config:    cfg,
		store:     logStore,
		log:       logging.Component(nil, logging.ComponentBroker),
		consumers: make(map[string]map[string]ConsumerHandle),
		published: newPublishSignal(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.statsSched = NewStatsScheduler(b, cfg.Metrics.SampleInterval)
	return b
}

// Start starts the broker's background tasks
func (b *Broker) Start() {
	if b.config.Metrics.Enabled && b.metrics != nil {
		b.statsSched.Start()
	}
}

// Stop stops background tasks. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.statsSched.Stop()
	})
}

// Close stops the broker and releases the log store
func (b *Broker) Close() error {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Close()
}

// Partition maps key onto [0, n). The empty key always routes to partition 0.
func Partition(key string, n int) int {
	if key == "" || n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// --- Topic Operations ---

// CreateTopic allocates a topic with the given partition count. Creating an
// existing topic is a no-op and its partition count is left unchanged.
func (b *Broker) CreateTopic(name string, partitions int) error {
	if name == "" {
		return ErrEmptyTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	created, err := b.store.CreateTopic(name, partitions)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	if created {
		b.log.WithFields(logrus.Fields{"topic": name, "partitions": partitions}).Info("topic created")
	}
	return nil
}

// Topics returns all topic names, sorted
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Topics()
}

// --- Message Operations ---

// Publish routes rec to a partition by key and appends it. Unknown topics are
// created with one partition. On success rec.Partition holds the assigned
// partition. Faults are logged and reported as false.
func (b *Broker) Publish(rec *store.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.publishFault(rec, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	if err := b.publish(rec); err != nil {
		b.publishFault(rec, err)
		return false
	}
	return true
}

func (b *Broker) publish(rec *store.Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	if rec.Topic == "" {
		return ErrEmptyTopic
	}
	if rec.Placed() {
		return ErrAlreadyPlaced
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, exists := b.store.Partitions(rec.Topic)
	if !exists {
		if _, err := b.store.CreateTopic(rec.Topic, 1); err != nil {
			return fmt.Errorf("auto-create topic: %w", err)
		}
		n = 1
		b.log.WithField("topic", rec.Topic).Info("topic auto-created")
	}

	stored := rec.Clone()
	stored.Place(Partition(rec.Key, n))
	if err := b.store.Append(stored); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	rec.Place(stored.Partition)

	b.metrics.ObservePublish(rec.Topic)
	b.published.notify()

	b.log.WithFields(logrus.Fields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"key":       rec.Key,
	}).Debug("published")
	return nil
}

func (b *Broker) publishFault(rec *store.Record, err error) {
	b.metrics.ObservePublishFailure()
	entry := b.log.WithError(err)
	if rec != nil {
		entry = entry.WithFields(logrus.Fields{"topic": rec.Topic, "key": rec.Key})
	}
	entry.Error("publish failed")
}

// Consume removes up to maxMessages records from the head of every partition
// of topic, in partition order. The bound is per partition. groupID is a label
// and does not filter delivery: concurrent consumers compete for the same
// records. Unknown topics yield nil. A store fault ends the sweep early and
// returns what was gathered so far.
func (b *Broker) Consume(topic, groupID string, maxMessages int) (out []store.Record) {
	if maxMessages <= 0 {
		maxMessages = b.config.Broker.MaxMessages
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"topic": topic, "group": groupID}).
				Errorf("consume panic: %v", r)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	n, exists := b.store.Partitions(topic)
	if !exists {
		return nil
	}

	for p := 0; p < n; p++ {
		batch, err := b.store.Pop(topic, p, maxMessages)
		if err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{
				"topic":     topic,
				"partition": p,
				"group":     groupID,
			}).Error("consume failed")
			break
		}
		out = append(out, batch...)
	}

	b.metrics.ObserveConsume(topic, len(out))
	return out
}

// Published returns a channel that is closed by the next successful publish
func (b *Broker) Published() <-chan struct{} {
	return b.published.wait()
}

// --- Consumer Registry ---

// AddConsumer records c as a consumer of topic. Registering twice is a no-op.
func (b *Broker) AddConsumer(topic string, c ConsumerHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.consumers[topic]
	if !ok {
		set = make(map[string]ConsumerHandle)
		b.consumers[topic] = set
	}
	set[c.ID()] = c
}

// RemoveConsumer drops a registration
func (b *Broker) RemoveConsumer(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.consumers[topic]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.consumers, topic)
	}
}

// TopicStats snapshots every topic under the broker lock
func (b *Broker) TopicStats() map[string]TopicStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[string]TopicStats)
	for _, topic := range b.store.Topics() {
		n, _ := b.store.Partitions(topic)
		total := 0
		for p := 0; p < n; p++ {
			l, err := b.store.Len(topic, p)
			if err != nil {
				b.log.WithError(err).WithField("topic", topic).Warn("stats: partition length")
				continue
			}
			total += l
		}
		stats[topic] = TopicStats{
			Partitions:    n,
			TotalMessages: total,
			Consumers:     len(b.consumers[topic]),
		}
	}
	return stats
}

// SortedTopicNames returns the keys of a stats snapshot in order
func SortedTopicNames(stats map[string]TopicStats) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetConfig returns the config
func (b *Broker) GetConfig() *config.Config {
	return b.config
}

// Metrics returns the collectors, possibly nil
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}
