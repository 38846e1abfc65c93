package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// Handler receives events for one pipeline. Handlers run synchronously on
// the appending goroutine and must return quickly. A handler must not call
// AppendEvent for the pipeline it is subscribed to.
type Handler func(events.Event)

// topic is the fan-out point for one pipeline. mu serializes append+deliver
// against subscribe so a new subscriber sees every event exactly once.
// subsMu guards the subscriber set alone, so unsubscribing from inside a
// handler does not deadlock.
type topic struct {
	mu     sync.Mutex
	subsMu sync.Mutex
	subs   map[int]Handler
	nextID int
}

func newTopic() *topic {
	return &topic{subs: make(map[int]Handler)}
}

func (t *topic) add(h Handler) func() {
	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = h
	t.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
		})
	}
}

func (t *topic) handlers() []Handler {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	out := make([]Handler, 0, len(t.subs))
	for i := 0; i < t.nextID; i++ {
		if h, ok := t.subs[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (t *topic) drop() {
	t.subsMu.Lock()
	t.subs = make(map[int]Handler)
	t.subsMu.Unlock()
}

// topicFor returns the topic for id, creating it on first use. Unknown ids
// get no topic.
func (s *Store) topicFor(id string) (*topic, bool) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	if t, ok := s.topics[id]; ok {
		return t, true
	}
	s.mu.Lock()
	_, known := s.pipelines[id]
	s.mu.Unlock()
	if !known {
		return nil, false
	}
	t := newTopic()
	s.topics[id] = t
	return t, true
}

func (s *Store) deliver(id string, h Handler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event subscriber panicked",
				zap.String("pipeline_id", id),
				zap.String("event_type", string(ev.Type)),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ev)
}

func (s *Store) fanOut(id string, t *topic, ev events.Event) {
	for _, h := range t.handlers() {
		s.deliver(id, h, ev)
	}
}

// closeTopic sends done to every live subscriber of id and forgets them.
// The caller must hold t.mu.
func (s *Store) closeTopic(id string, t *topic) {
	s.fanOut(id, t, s.doneEvent())
	t.drop()
}

func (s *Store) doneEvent() events.Event {
	return events.Event{Timestamp: s.now(), Type: events.Done}
}

// commit runs fn against the live pipeline under the topic lock, persists,
// and delivers the events fn returns. When fn moves the pipeline into a
// terminal status, live subscribers receive done and are released. Holding
// the topic lock across mutation and delivery keeps Subscribe's replay
// consistent with the live stream.
func (s *Store) commit(id string, fn func(p *Pipeline) ([]events.Event, error)) error {
	t, ok := s.topicFor(id)
	if !ok {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s.mu.Lock()
	p, ok := s.pipelines[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	wasTerminal := p.Status.Terminal()
	evs, err := fn(p)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	now := s.now()
	for i := range evs {
		if evs[i].Timestamp.IsZero() {
			evs[i].Timestamp = now
		}
		p.Events = append(p.Events, evs[i])
	}
	p.UpdatedAt = now
	closing := !wasTerminal && p.Status.Terminal()
	if closing {
		s.slot.Release(id)
	}
	s.persistLocked()
	s.mu.Unlock()

	for _, ev := range evs {
		if s.sink != nil {
			s.sink.Record(id, ev)
		}
		s.fanOut(id, t, ev)
	}
	if closing {
		s.closeTopic(id, t)
	}
	return nil
}

// AppendEvent appends ev to the pipeline's log, persists, and delivers it to
// subscribers in order. Unknown ids are ignored.
func (s *Store) AppendEvent(id string, ev events.Event) {
	if ev.Type == events.Done {
		return
	}
	if err := events.Validate(ev); err != nil {
		s.logger.Warn("appending event with malformed payload",
			zap.String("pipeline_id", id), zap.Error(err))
	}
	_ = s.commit(id, func(*Pipeline) ([]events.Event, error) {
		return []events.Event{ev}, nil
	})
}

// Subscribe registers h for the pipeline's events. Already-logged events are
// replayed first, then live events follow with no gap or duplicate. For an
// unknown or already-terminal pipeline h receives the replay (if any) and a
// done event, and nothing is registered.
func (s *Store) Subscribe(id string, h Handler) (unsubscribe func()) {
	t, ok := s.topicFor(id)
	if !ok {
		s.deliver(id, h, s.doneEvent())
		return func() {}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s.mu.Lock()
	p, ok := s.pipelines[id]
	var backlog []events.Event
	terminal := true
	if ok {
		backlog = append([]events.Event(nil), p.Events...)
		terminal = p.Status.Terminal()
	}
	s.mu.Unlock()

	for _, ev := range backlog {
		s.deliver(id, h, ev)
	}
	if terminal {
		s.deliver(id, h, s.doneEvent())
		return func() {}
	}
	return t.add(h)
}
