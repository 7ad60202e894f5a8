package store

import (
	"sort"

	"github.com/pkg/errors"
)

// MemoryStore keeps each partition log as a slice
type MemoryStore struct {
	topics map[string][][]Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics: make(map[string][][]Record),
	}
}

func (s *MemoryStore) CreateTopic(name string, partitions int) (bool, error) {
	if _, exists := s.topics[name]; exists {
		return false, nil
	}
	if partitions < 1 {
		return false, ErrInvalidPartitions
	}
	s.topics[name] = make([][]Record, partitions)
	return true, nil
}

func (s *MemoryStore) Partitions(name string) (int, bool) {
	logs, exists := s.topics[name]
	return len(logs), exists
}

func (s *MemoryStore) Append(rec Record) error {
	logs, err := s.partition(rec.Topic, rec.Partition)
	if err != nil {
		return err
	}
	rec.Place(rec.Partition)
	logs[rec.Partition] = append(logs[rec.Partition], rec)
	return nil
}

func (s *MemoryStore) Pop(topic string, partition, max int) ([]Record, error) {
	logs, err := s.partition(topic, partition)
	if err != nil {
		return nil, err
	}

	head := logs[partition]
	n := min(max, len(head))
	if n <= 0 {
		return nil, nil
	}

	out := make([]Record, n)
	copy(out, head[:n])

	// Release the popped slots so the backing array does not pin old records
	clear(head[:n])
	logs[partition] = head[n:]
	return out, nil
}

func (s *MemoryStore) Len(topic string, partition int) (int, error) {
	logs, err := s.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	return len(logs[partition]), nil
}

func (s *MemoryStore) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MemoryStore) Close() error {
	s.topics = make(map[string][][]Record)
	return nil
}

func (s *MemoryStore) partition(topic string, partition int) ([][]Record, error) {
	logs, exists := s.topics[topic]
	if !exists {
		return nil, errors.Wrap(ErrTopicNotFound, topic)
	}
	if partition < 0 || partition >= len(logs) {
		return nil, errors.Wrapf(ErrPartitionOutOfRange, "%s[%d]", topic, partition)
	}
	return logs, nil
}
