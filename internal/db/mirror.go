package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// DefaultQueueSize bounds the events waiting to be mirrored.
const DefaultQueueSize = 1024

// EventWriter persists one event. *DB implements it.
type EventWriter interface {
	WriteEvent(ctx context.Context, pipelineID string, ev events.Event) error
}

type queued struct {
	pipelineID string
	ev         events.Event
}

// Mirror is a pipeline.EventSink that copies events to an EventWriter on a
// background goroutine. Record never blocks: when the queue is full the
// event is dropped and counted.
type Mirror struct {
	w       EventWriter
	log     *zap.Logger
	timeout time.Duration

	queue chan queued
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	dropped int
	failed  int
}

// NewMirror starts a mirror writing to w.
func NewMirror(w EventWriter, log *zap.Logger, queueSize int) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	m := &Mirror{
		w:       w,
		log:     log.Named("db"),
		timeout: 5 * time.Second,
		queue:   make(chan queued, queueSize),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Record implements pipeline.EventSink.
func (m *Mirror) Record(pipelineID string, ev events.Event) {
	defer func() {
		// Record after Close sends on a closed channel.
		if recover() != nil {
			m.drop()
		}
	}()
	select {
	case m.queue <- queued{pipelineID: pipelineID, ev: ev}:
	default:
		m.drop()
		m.log.Warn("event mirror queue full; dropping event",
			zap.String("pipeline_id", pipelineID), zap.String("event_type", string(ev.Type)))
	}
}

func (m *Mirror) drop() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *Mirror) loop() {
	defer close(m.done)
	for q := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.w.WriteEvent(ctx, q.pipelineID, q.ev)
		cancel()
		if err != nil {
			m.mu.Lock()
			m.failed++
			m.mu.Unlock()
			m.log.Warn("mirror event", zap.String("pipeline_id", q.pipelineID),
				zap.String("event_type", string(q.ev.Type)), zap.Error(err))
		}
	}
}

// Stats reports how many events were dropped and how many writes failed.
func (m *Mirror) Stats() (dropped, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped, m.failed
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (m *Mirror) Close(ctx context.Context) error {
	m.once.Do(func() { close(m.queue) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
