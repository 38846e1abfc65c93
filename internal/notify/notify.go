// Package notify tells the operator that a pipeline needs attention. Every
// Notifier is best effort: callers log a failure and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notification kinds.
const (
	KindInputRequested = "input_requested"
	KindPaused         = "paused"
	KindFinished       = "finished"
)

// DefaultSubject prefixes every NATS subject; the pipeline id is appended.
const DefaultSubject = "factory.input"

// Notification is one operator-facing message.
type Notification struct {
	PipelineID string    `json:"pipeline_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message,omitempty"`
	Questions  []string  `json:"questions,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier logging at info level.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("operator notification",
		zap.String("pipeline_id", n.PipelineID),
		zap.String("kind", n.Kind),
		zap.String("message", n.Message),
		zap.Strings("questions", n.Questions))
	return nil
}

// Multi fans a notification out to every notifier and returns the first
// error.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NATSNotifier publishes notifications as JSON on <subject>.<pipeline_id>.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger

	closeOnce sync.Once
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, subject string, log *zap.Logger) (*NATSNotifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log = log.Named("notify")
	nc, err := nats.Connect(url,
		nats.Name("featurefactory"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSNotifier{conn: nc, subject: subject, log: log}, nil
}

// Subject returns the subject notifications for pipelineID go to.
func (n *NATSNotifier) Subject(pipelineID string) string {
	return n.subject + "." + pipelineID
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.conn.Publish(n.Subject(note.PipelineID), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.conn.Drain()
	})
	return err
}
