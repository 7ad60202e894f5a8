package store

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore keeps partition logs in an in-memory BadgerDB.
// Sequence numbers are tracked per partition so the head and tail of each log
// are known without scanning.
type BadgerStore struct {
	db     *DB
	topics map[string][]*logBounds
}

// logBounds is the half-open range [head, tail) of live sequence numbers
type logBounds struct {
	head uint64
	tail uint64
}

// OpenBadger creates a BadgerStore backed by a fresh in-memory database
func OpenBadger() (*BadgerStore, error) {
	db, err := OpenMemDB()
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore creates a BadgerStore on an open database
func NewBadgerStore(db *DB) *BadgerStore {
	return &BadgerStore{
		db:     db,
		topics: make(map[string][]*logBounds),
	}
}

func (s *BadgerStore) CreateTopic(name string, partitions int) (bool, error) {
	if _, exists := s.topics[name]; exists {
		return false, nil
	}
	if partitions < 1 {
		return false, ErrInvalidPartitions
	}

	meta, _ := json.Marshal(map[string]int{"partitions": partitions})
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), meta)
	})
	if err != nil {
		return false, errors.Wrapf(err, "create topic %s", name)
	}

	bounds := make([]*logBounds, partitions)
	for i := range bounds {
		bounds[i] = &logBounds{}
	}
	s.topics[name] = bounds
	return true, nil
}

func (s *BadgerStore) Partitions(name string) (int, bool) {
	bounds, exists := s.topics[name]
	return len(bounds), exists
}

func (s *BadgerStore) Append(rec Record) error {
	b, err := s.bounds(rec.Topic, rec.Partition)
	if err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	err = s.db.Badger().Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(rec.Topic, rec.Partition, b.tail), val)
	})
	if err != nil {
		return errors.Wrapf(err, "append %s[%d]", rec.Topic, rec.Partition)
	}

	b.tail++
	return nil
}

func (s *BadgerStore) Pop(topic string, partition, max int) ([]Record, error) {
	b, err := s.bounds(topic, partition)
	if err != nil {
		return nil, err
	}
	if max <= 0 || b.head == b.tail {
		return nil, nil
	}

	var records []Record
	err = s.db.Badger().Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(topic, partition)
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid() && len(records) < max; it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				it.Close()
				return errors.Wrap(err, "decode record")
			}
			rec.Place(partition)
			records = append(records, rec)
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pop %s[%d]", topic, partition)
	}

	b.head += uint64(len(records))
	return records, nil
}

func (s *BadgerStore) Len(topic string, partition int) (int, error) {
	b, err := s.bounds(topic, partition)
	if err != nil {
		return 0, err
	}
	return int(b.tail - b.head), nil
}

func (s *BadgerStore) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) bounds(topic string, partition int) (*logBounds, error) {
	bounds, exists := s.topics[topic]
	if !exists {
		return nil, errors.Wrap(ErrTopicNotFound, topic)
	}
	if partition < 0 || partition >= len(bounds) {
		return nil, errors.Wrapf(ErrPartitionOutOfRange, "%s[%d]", topic, partition)
	}
	return bounds[partition], nil
}

// Keys are binary so that no topic name can be a prefix of another topic's keys:
//
//	meta:    'm' <u32 len(topic)> <topic>
//	message: 'l' <u32 len(topic)> <topic> <u32 partition> <u64 seq>
//
// Big-endian sequence numbers keep badger's key order equal to publish order.
const (
	metaTag    = 'm'
	messageTag = 'l'
)

func appendTopic(buf []byte, topic string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(topic)))
	return append(buf, topic...)
}

func metaKey(topic string) []byte {
	return appendTopic([]byte{metaTag}, topic)
}

func messagePrefix(topic string, partition int) []byte {
	buf := make([]byte, 1, 1+4+len(topic)+4+8)
	buf[0] = messageTag
	buf = appendTopic(buf, topic)
	return binary.BigEndian.AppendUint32(buf, uint32(partition))
}

func messageKey(topic string, partition int, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(messagePrefix(topic, partition), seq)
}
