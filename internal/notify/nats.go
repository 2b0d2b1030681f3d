package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
)

// NATS subjects for jobserv events.
const (
	SubjectBuildComplete = "jobserv.build.complete"
	SubjectSurgeStarted  = "jobserv.surge.started"
	SubjectSurgeEnded    = "jobserv.surge.ended"
	SubjectRunTerminated = "jobserv.run.terminated"
)

// EventPublisher mirrors notifications onto a NATS bus so external systems
// (dashboards, chat bridges) can subscribe without polling the API.
// Connection failures are non-fatal; events are dropped with a log line.
type EventPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewEventPublisher connects to NATS with automatic reconnection.
func NewEventPublisher(natsURL string, logger *slog.Logger) (*EventPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", logfields.Err(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", logfields.URL(c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{conn: conn, logger: logger}, nil
}

// Close drains the connection.
func (p *EventPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Publish sends one event; marshal or publish failures are logged, never
// propagated into the pipeline.
func (p *EventPublisher) Publish(subject string, event any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", logfields.Err(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", "subject", subject, logfields.Err(err))
	}
}
