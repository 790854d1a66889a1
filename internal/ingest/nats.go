package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Submitter accepts fixes for processing
type Submitter interface {
	Submit(ctx context.Context, fix tracker.Fix) error
}

// NATSSubscriber reads fixes from a NATS subject. Messages of one
// subscription are handled one at a time, so arrival order is kept.
type NATSSubscriber struct {
	nc      *nats.Conn
	subject string
	queue   string
	codec   Codec
	out     Submitter
	logger  *logger.Logger

	sub       *nats.Subscription
	ctx       context.Context
	decodeErr atomic.Int64
}

// NewNATSSubscriber creates a subscriber forwarding decoded fixes to out
func NewNATSSubscriber(nc *nats.Conn, cfg config.NATSIngest, out Submitter, log *logger.Logger) (*NATSSubscriber, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{
		nc:      nc,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		codec:   codec,
		out:     out,
		logger:  log.Named("nats-ingest"),
		ctx:     context.Background(),
	}, nil
}

// Start subscribes
func (s *NATSSubscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	var err error
	if s.queue != "" {
		s.sub, err = s.nc.QueueSubscribe(s.subject, s.queue, s.handle)
	} else {
		s.sub, err = s.nc.Subscribe(s.subject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.logger.Info("Subscribed to fixes",
		logger.String("subject", s.subject),
		logger.String("queue", s.queue),
		logger.String("codec", s.codec.Name()))
	return nil
}

// Stop drains the subscription so messages already received are handled
func (s *NATSSubscriber) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("Failed to drain subscription", logger.Error(err))
	}
	s.logger.Info("Unsubscribed from fixes", logger.Int64("decode_errors", s.decodeErr.Load()))
}

func (s *NATSSubscriber) handle(msg *nats.Msg) {
	var fix tracker.Fix
	if err := s.codec.Decode(msg.Data, &fix); err != nil {
		if n := s.decodeErr.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("Failed to decode fix",
				logger.String("subject", msg.Subject),
				logger.Int64("decode_errors", n),
				logger.Error(err))
		}
		return
	}
	if fix.ReceivedAt.IsZero() {
		fix.ReceivedAt = time.Now().UTC()
	}
	if fix.Source == "" {
		fix.Source = "nats"
	}
	if err := s.out.Submit(s.ctx, fix); err != nil {
		s.logger.Debug("Fix not submitted",
			logger.String("device", fix.DeviceID),
			logger.Error(err))
	}
}
