package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix for mirrored events.
const DefaultSubjectPrefix = "examgate.stream"

// Publisher publishes raw messages. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// MirroredEvent is the message body published for every event.
type MirroredEvent struct {
	TraceID string          `json:"trace_id"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	TS      int64           `json:"ts"`
}

// NATSMirror republishes bus events to <prefix>.<trace_id>.
type NATSMirror struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSMirror creates a mirror publishing through pub.
func NewNATSMirror(pub Publisher, prefix string, logger *slog.Logger) *NATSMirror {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSMirror{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject events of traceID are published on.
func (m *NATSMirror) Subject(traceID string) string {
	return m.prefix + "." + subjectToken(traceID)
}

// Mirror implements Mirror. Failures are logged and otherwise ignored.
func (m *NATSMirror) Mirror(traceID string, ev Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		m.logger.Warn("Failed to marshal mirrored event", "trace_id", traceID, "event", ev.Type, "error", err)
		return
	}
	body, err := json.Marshal(MirroredEvent{
		TraceID: traceID,
		Event:   ev.Type,
		Data:    data,
		TS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := m.pub.Publish(m.Subject(traceID), body); err != nil {
		m.logger.Debug("Failed to mirror event", "trace_id", traceID, "event", ev.Type, "error", err)
	}
}

// subjectToken replaces characters that are not allowed in a NATS subject
// token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// DialNATS connects to url with reconnect logging.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("examgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
