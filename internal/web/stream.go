package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// eventQueue buffers events between the store's synchronous delivery and
// the slower network writer. It never blocks the producer.
type eventQueue struct {
	mu     sync.Mutex
	items  []events.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev events.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// handleEvents serves a Server-Sent Events stream of a pipeline's log: the
// backlog, then live events, then a done event once the pipeline is
// terminal.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.pipelines.Get(id); err != nil {
		return apiError(err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	w.Flush()

	q := newEventQueue()
	unsubscribe := s.pipelines.Subscribe(id, q.push)
	defer unsubscribe()

	tick := time.NewTicker(s.keepAlive)
	defer tick.Stop()

	seq := 0
	for {
		for _, ev := range q.drain() {
			if err := writeEvent(w, seq, ev); err != nil {
				s.log.Debug("event stream write failed", zap.String("pipeline_id", id), zap.Error(err))
				return nil
			}
			seq++
			if ev.Type == events.Done {
				w.Flush()
				return nil
			}
		}
		w.Flush()

		select {
		case <-c.Request().Context().Done():
			return nil
		case <-q.notify:
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, seq int, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data)
	return err
}
