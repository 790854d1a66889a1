// Package events delivers flight lifecycle events to external sinks
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Sink receives events from the dispatcher goroutine. Send may block briefly;
// a slow sink delays the others.
type Sink interface {
	Name() string
	Send(ctx context.Context, e tracker.Event) error
}

// Dispatcher queues events from the engine and fans them out to sinks in the
// background. Publish never blocks; when the queue is full the event is dropped.
type Dispatcher struct {
	queue   chan tracker.Event
	sinks   []Sink
	logger  *logger.Logger
	dropped atomic.Int64
	sent    atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher holding at most bufferSize undelivered events
func NewDispatcher(bufferSize int, log *logger.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Dispatcher{
		queue:  make(chan tracker.Event, bufferSize),
		sinks:  sinks,
		logger: log.Named("events"),
		stopCh: make(chan struct{}),
	}
}

// AddSink registers a sink. Call before Start.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Publish implements tracker.EventSink
func (d *Dispatcher) Publish(e tracker.Event) {
	select {
	case d.queue <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("Event queue full, dropping events",
				logger.String("type", string(e.Type)),
				logger.String("device", e.DeviceID),
				logger.Int64("dropped_total", n))
		}
	}
}

// Stats returns the number of delivered and dropped events
func (d *Dispatcher) Stats() (sent, dropped int64) {
	return d.sent.Load(), d.dropped.Load()
}

// Start runs the fan-out loop
func (d *Dispatcher) Start(ctx context.Context) error {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.logger.Info("Starting event dispatcher",
		logger.Int("buffer", cap(d.queue)),
		logger.Any("sinks", names))

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop delivers what is already queued and stops the loop
func (d *Dispatcher) Stop() {
	d.logger.Info("Stopping event dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	sent, dropped := d.Stats()
	d.logger.Info("Event dispatcher stopped",
		logger.Int64("sent", sent),
		logger.Int64("dropped", dropped))
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		case <-d.stopCh:
			d.drain()
			return
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e tracker.Event) {
	for _, s := range d.sinks {
		if err := s.Send(ctx, e); err != nil {
			d.logger.Error("Failed to deliver event",
				logger.String("sink", s.Name()),
				logger.String("type", string(e.Type)),
				logger.String("device", e.DeviceID),
				logger.Error(err))
		}
	}
	d.sent.Add(1)
}

// SinkFunc adapts a function to a Sink
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, e tracker.Event) error
}

func (f SinkFunc) Name() string { return f.ID }

func (f SinkFunc) Send(ctx context.Context, e tracker.Event) error { return f.Fn(ctx, e) }
