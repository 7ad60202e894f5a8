package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rizkyandriawan/monostream/internal/consumer"
	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/metrics"
	"github.com/rizkyandriawan/monostream/internal/producer"
	"github.com/rizkyandriawan/monostream/internal/store"
)

var (
	ErrInvalidProcessor = errors.New("invalid processor")
	ErrNotNumeric       = errors.New("value is not a number")
)

// Broker is what a pipeline needs to consume and republish
type Broker interface {
	consumer.Broker
	producer.Publisher
}

// TransformFunc maps an input payload to the payload republished downstream
type TransformFunc func(in store.Payload) (store.Payload, error)

// Info describes a registered processor
type Info struct {
	Name    string `json:"name"`
	Input   string `json:"input"`
	Output  string `json:"output"`
	Running bool   `json:"running"`
}

// Processor is a consumer and producer pair joined by a transform
type Processor struct {
	name      string
	input     string
	output    string
	transform TransformFunc
	consumer  *consumer.Consumer
	producer  *producer.Producer
}

func (p *Processor) info() Info {
	return Info{
		Name:    p.name,
		Input:   p.input,
		Output:  p.output,
		Running: p.consumer.Running(),
	}
}

// handle applies the transform and republishes under the input record's key.
// Errors are logged per record by the consumer and never stop the loop.
func (p *Processor) handle(rec store.Record) error {
	out, err := p.transform(rec.Value)
	if err != nil {
		return fmt.Errorf("processor %s: transform: %w", p.name, err)
	}
	if !p.producer.Send(p.output, rec.Key, out) {
		return fmt.Errorf("processor %s: republish to %s failed", p.name, p.output)
	}
	return nil
}

// Pipeline supervises named processors over one broker
type Pipeline struct {
	broker       Broker
	logger       *logrus.Logger
	log          *logrus.Entry
	metrics      *metrics.Metrics
	pollInterval time.Duration

	addMu      sync.Mutex // serialises AddProcessor; never held with mu across a Close
	mu         sync.Mutex
	processors map[string]*Processor
}

type Option func(*Pipeline)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
		p.log = logging.Component(logger, logging.ComponentProcessor)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithPollInterval sets the idle interval of every processor's consumer
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.pollInterval = d
	}
}

// NewPipeline creates an empty pipeline
func NewPipeline(broker Broker, opts ...Option) *Pipeline {
	p := &Pipeline{
		broker:       broker,
		log:          logging.Component(nil, logging.ComponentProcessor),
		pollInterval: consumer.DefaultPollInterval,
		processors:   make(map[string]*Processor),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddProcessor starts a processor that moves records from input to output
// through transform. A running processor with the same name is stopped and
// joined before the new one starts.
func (p *Pipeline) AddProcessor(name, input, output string, transform TransformFunc) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidProcessor)
	case input == "" || output == "":
		return fmt.Errorf("%w: %s: input and output topics are required", ErrInvalidProcessor, name)
	case transform == nil:
		return fmt.Errorf("%w: %s: transform is nil", ErrInvalidProcessor, name)
	}

	p.addMu.Lock()
	defer p.addMu.Unlock()

	p.mu.Lock()
	old, replacing := p.processors[name]
	delete(p.processors, name)
	p.mu.Unlock()

	if replacing {
		old.consumer.Close()
		p.log.WithField("processor", name).Info("replaced running processor")
	}

	c := consumer.New(p.broker, "processor_"+name,
		consumer.WithPollInterval(p.pollInterval),
		consumer.WithLogger(p.logger),
		consumer.WithMetrics(p.metrics),
	)
	proc := &Processor{
		name:      name,
		input:     input,
		output:    output,
		transform: transform,
		consumer:  c,
		producer:  producer.New(p.broker, producer.WithLogger(p.logger)),
	}
	c.Subscribe(input)
	c.SetHandler(proc.handle)
	if err := c.Start(context.Background()); err != nil {
		return fmt.Errorf("start processor %s: %w", name, err)
	}

	p.mu.Lock()
	p.processors[name] = proc
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"processor": name,
		"input":     input,
		"output":    output,
	}).Info("processor started")
	return nil
}

// StopProcessor stops and removes one processor. It reports whether name was registered.
func (p *Pipeline) StopProcessor(name string) bool {
	p.mu.Lock()
	proc, ok := p.processors[name]
	delete(p.processors, name)
	p.mu.Unlock()

	if !ok {
		return false
	}
	proc.consumer.Close()
	p.log.WithField("processor", name).Info("processor stopped")
	return true
}

// StopAll stops every processor concurrently and waits for all of them
func (p *Pipeline) StopAll() {
	p.mu.Lock()
	procs := p.processors
	p.processors = make(map[string]*Processor)
	p.mu.Unlock()

	var g errgroup.Group
	for _, proc := range procs {
		g.Go(func() error {
			proc.consumer.Close()
			return nil
		})
	}
	_ = g.Wait()

	if len(procs) > 0 {
		p.log.WithField("count", len(procs)).Info("all processors stopped")
	}
}

// Processors lists registered processors by name
func (p *Pipeline) Processors() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.processors))
	for _, proc := range p.processors {
		out = append(out, proc.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EventScore copies the payload, stamps processed_at and sets
// event_score = value * 1.5. A missing value scores 0.
func EventScore(in store.Payload) (store.Payload, error) {
	score := 0.0
	if v, ok := in["value"]; ok && !v.IsNull() {
		if v.Kind() != store.KindNumber {
			return nil, fmt.Errorf("event_score: %w: got %s", ErrNotNumeric, v.Kind())
		}
		score = v.Num() * 1.5
	}

	out := in.Clone()
	if out == nil {
		out = make(store.Payload, 2)
	}
	out["processed_at"] = store.String(time.Now().UTC().Format(time.RFC3339))
	out["event_score"] = store.Number(score)
	return out, nil
}
