// Package natsbridge forwards engine events to NATS subjects so external
// dashboards and workers can follow a run.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/joshharrison/weft/internal/events"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "weft"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON envelope published for every event.
type Message struct {
	Event string          `json:"event"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Subject maps an event name such as "task:added" to "<prefix>.task.added".
func Subject(prefix, name string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + strings.ReplaceAll(name, ":", ".")
}

// Encode wraps ev in a Message and marshals it.
func Encode(ev events.Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Name(), err)
	}
	return json.Marshal(Message{Event: ev.Name(), At: at.UTC(), Data: data})
}

// Forward publishes every event on bus to pub until the returned func is
// called. Publish errors are logged and never reach the engine.
func Forward(bus *events.Bus, pub Publisher, prefix string, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(func(ev events.Event) {
		payload, err := Encode(ev, time.Now())
		if err != nil {
			logger.Warn("encode event", "event", ev.Name(), "error", err)
			return
		}
		subject := Subject(prefix, ev.Name())
		if err := pub.Publish(subject, payload); err != nil {
			logger.Warn("publish event", "subject", subject, "error", err)
		}
	})
}

// Connect dials a NATS server with the options weft uses everywhere.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("weft"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
