package producer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/store"
)

// Publisher is the slice of the broker a Producer needs
type Publisher interface {
	Publish(rec *store.Record) bool
}

// Producer builds records and hands them to a Publisher. It holds no lock
// and is safe for concurrent use if the Publisher is.
type Producer struct {
	pub Publisher
	log *logrus.Entry
}

type Option func(*Producer)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Producer) {
		p.log = logging.Component(logger, "producer")
	}
}

// New creates a Producer bound to pub
func New(pub Publisher, opts ...Option) *Producer {
	p := &Producer{
		pub: pub,
		log: logging.Component(nil, "producer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send publishes value under key. It never panics; any fault is false.
func (p *Producer) Send(topic, key string, value store.Payload) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"topic": topic, "key": key}).
				Errorf("send panic: %v", r)
			ok = false
		}
	}()

	rec := store.NewRecord(topic, key, value)
	return p.pub.Publish(&rec)
}

// SendBatch sends each value with key key_<index> and returns how many were
// accepted. A failed item does not stop the batch.
func (p *Producer) SendBatch(topic string, values []store.Payload) int {
	sent := 0
	for i, value := range values {
		if p.Send(topic, fmt.Sprintf("key_%d", i), value) {
			sent++
		}
	}
	if sent < len(values) {
		p.log.WithFields(logrus.Fields{
			"topic":  topic,
			"sent":   sent,
			"failed": len(values) - sent,
		}).Warn("batch partially sent")
	}
	return sent
}
