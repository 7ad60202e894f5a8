package store

import (
	"time"

	"github.com/pkg/errors"
)

// PartitionUnassigned marks a record that has not been published yet
const PartitionUnassigned = -1

var (
	ErrTopicNotFound       = errors.New("topic not found")
	ErrPartitionOutOfRange = errors.New("partition out of range")
	ErrInvalidPartitions   = errors.New("partition count must be at least 1")
	ErrUnknownBackend      = errors.New("unknown storage backend")
)

// Record is the unit of data flowing through the broker.
// Partition is assigned by the broker at publish time; until then Placed
// reports false whatever Partition holds, so a zero Record is publishable.
type Record struct {
	Topic     string    `json:"topic"`
	Key       string    `json:"key"`
	Value     Payload   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Partition int       `json:"partition"`

	placed bool
}

// NewRecord builds an unpublished record stamped with the current time
func NewRecord(topic, key string, value Payload) Record {
	return Record{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		Partition: PartitionUnassigned,
	}
}

// Placed reports whether r has been appended to a partition log
func (r Record) Placed() bool { return r.placed }

// Place assigns r to a partition
func (r *Record) Place(partition int) {
	r.Partition = partition
	r.placed = true
}

// Clone returns a copy of r with its own payload
func (r Record) Clone() Record {
	r.Value = r.Value.Clone()
	return r
}

// LogStore holds the partition logs of every topic.
//
// Implementations are not safe for concurrent use; the broker serialises all
// calls behind its own lock.
type LogStore interface {
	// CreateTopic allocates partitions empty logs. It reports created=false
	// without touching the topic when name already exists.
	CreateTopic(name string, partitions int) (created bool, err error)
	// Partitions returns the partition count of a topic
	Partitions(name string) (int, bool)
	// Append adds rec to the tail of rec.Partition
	Append(rec Record) error
	// Pop removes and returns up to max records from the head of a partition
	Pop(topic string, partition, max int) ([]Record, error)
	// Len returns the number of records waiting in a partition
	Len(topic string, partition int) (int, error)
	// Topics returns all topic names, sorted
	Topics() []string
	Close() error
}

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open returns a LogStore for the named backend
func Open(backend string) (LogStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadger()
	case BackendSQLite:
		return OpenSQLite()
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", backend)
	}
}
