package store

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps partition logs in an in-memory SQLite database
type SQLiteStore struct {
	db     *sql.DB
	topics map[string]int // in-memory cache of partition counts
}

// OpenSQLite opens a private in-memory SQLite database
func OpenSQLite() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	// Every connection to :memory: is a separate database, so pin the pool
	// to a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:     db,
		topics: make(map[string]int),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		name TEXT PRIMARY KEY,
		partitions INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		part INTEGER NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_log ON messages(topic, part, seq);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "init schema")
}

func (s *SQLiteStore) CreateTopic(name string, partitions int) (bool, error) {
	if _, exists := s.topics[name]; exists {
		return false, nil
	}
	if partitions < 1 {
		return false, ErrInvalidPartitions
	}

	_, err := s.db.Exec(
		"INSERT INTO topics (name, partitions, created_at) VALUES (?, ?, ?)",
		name, partitions, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "create topic %s", name)
	}

	s.topics[name] = partitions
	return true, nil
}

func (s *SQLiteStore) Partitions(name string) (int, bool) {
	n, exists := s.topics[name]
	return n, exists
}

func (s *SQLiteStore) Append(rec Record) error {
	if err := s.check(rec.Topic, rec.Partition); err != nil {
		return err
	}

	val, err := json.Marshal(rec.Value)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	_, err = s.db.Exec(
		"INSERT INTO messages (topic, part, key, value, timestamp) VALUES (?, ?, ?, ?, ?)",
		rec.Topic, rec.Partition, rec.Key, val, rec.Timestamp.UnixNano(),
	)
	return errors.Wrapf(err, "append %s[%d]", rec.Topic, rec.Partition)
}

func (s *SQLiteStore) Pop(topic string, partition, max int) ([]Record, error) {
	if err := s.check(topic, partition); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin pop")
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT seq, key, value, timestamp FROM messages WHERE topic = ? AND part = ? ORDER BY seq LIMIT ?",
		topic, partition, max,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "pop %s[%d]", topic, partition)
	}

	var records []Record
	var seqs []any
	for rows.Next() {
		var seq, tsNano int64
		var val []byte
		rec := Record{Topic: topic}
		rec.Place(partition)
		if err := rows.Scan(&seq, &rec.Key, &val, &tsNano); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan record")
		}
		if err := json.Unmarshal(val, &rec.Value); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "decode payload")
		}
		rec.Timestamp = time.Unix(0, tsNano)
		records = append(records, rec)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate records")
	}
	rows.Close()

	if len(seqs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	if _, err := tx.Exec("DELETE FROM messages WHERE seq IN ("+placeholders+")", seqs...); err != nil {
		return nil, errors.Wrapf(err, "remove popped records %s[%d]", topic, partition)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit pop")
	}
	return records, nil
}

func (s *SQLiteStore) Len(topic string, partition int) (int, error) {
	if err := s.check(topic, partition); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE topic = ? AND part = ?",
		topic, partition,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count %s[%d]", topic, partition)
	}
	return n, nil
}

func (s *SQLiteStore) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) check(topic string, partition int) error {
	n, exists := s.topics[topic]
	if !exists {
		return errors.Wrap(ErrTopicNotFound, topic)
	}
	if partition < 0 || partition >= n {
		return errors.Wrapf(ErrPartitionOutOfRange, "%s[%d]", topic, partition)
	}
	return nil
}
