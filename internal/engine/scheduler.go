package engine

import (
	"sync"
	"time"
)

// StatsScheduler samples topic stats into the metrics gauges on a timer
type StatsScheduler struct {
	broker   *Broker
	ticker   *time.Ticker
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewStatsScheduler creates a new StatsScheduler
func NewStatsScheduler(broker *Broker, interval time.Duration) *StatsScheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsScheduler{
		broker:   broker,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *StatsScheduler) Start() {
	s.ticker = time.NewTicker(s.interval)
	s.sample()
	s.wg.Add(1)
	go s.loop()
}

// Stop stops the scheduler and waits for the loop to exit
func (s *StatsScheduler) Stop() {
	s.once.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *StatsScheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.sample()
		case <-s.stopChan:
			return
		}
	}
}

func (s *StatsScheduler) sample() {
	m := s.broker.Metrics()
	if m == nil {
		return
	}
	for topic, st := range s.broker.TopicStats() {
		m.SetTopic(topic, st.Partitions, st.TotalMessages)
	}
}
