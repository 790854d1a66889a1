package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Connect opens a NATS connection that keeps reconnecting and logs state changes
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	log = log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS", logger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.Info("Connected to NATS", logger.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// Publisher is the part of *nats.Conn the sink uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on <prefix>.<event type>
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a sink publishing under prefix
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event type is published on
func (s *NATSSink) Subject(t tracker.EventType) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Send(_ context.Context, e tracker.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
