package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen map[string][]time.Time
	fail map[string]error
}

func newRecorder() *recordingProcessor {
	return &recordingProcessor{seen: map[string][]time.Time{}, fail: map[string]error{}}
}

func (p *recordingProcessor) ProcessFix(_ context.Context, f tracker.Fix) (tracker.UpdatedFix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[f.DeviceID]; err != nil {
		return tracker.UpdatedFix{}, err
	}
	p.seen[f.DeviceID] = append(p.seen[f.DeviceID], f.Timestamp)
	return tracker.UpdatedFix{Fix: f}, nil
}

func fixAt(dev string, t0 time.Time, i int) tracker.Fix {
	return tracker.Fix{
		ID:        uuid.New(),
		DeviceID:  dev,
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Latitude:  47.0,
		Longitude: 8.0,
	}
}

func TestDispatcherKeepsPerDeviceOrder(t *testing.T) {
	proc := newRecorder()
	d := NewDispatcher(proc, 4, 8, logger.Nop())
	d.Start(context.Background())

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	devices := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for i := 0; i < 50; i++ {
		for _, dev := range devices {
			if err := d.Submit(context.Background(), fixAt(dev, t0, i)); err != nil {
				t.Fatal(err)
			}
		}
	}
	d.Stop()

	for _, dev := range devices {
		got := proc.seen[dev]
		if len(got) != 50 {
			t.Fatalf("%s: %d fixes, want 50", dev, len(got))
		}
		for i := 1; i < len(got); i++ {
			if !got[i].After(got[i-1]) {
				t.Fatalf("%s: fix %d out of order", dev, i)
			}
		}
	}
	if s := d.Stats(); s.Processed != 400 {
		t.Errorf("processed = %d", s.Processed)
	}
}

func TestDispatcherRoutesDeviceToOneWorker(t *testing.T) {
	d := NewDispatcher(newRecorder(), 16, 1, logger.Nop())
	for i := 0; i < 100; i++ {
		dev := fmt.Sprintf("dev-%d", i)
		w := d.route(dev)
		if w < 0 || w >= 16 {
			t.Fatalf("route(%s) = %d", dev, w)
		}
		if d.route(dev) != w {
			t.Fatalf("route(%s) not stable", dev)
		}
	}
}

func TestDispatcherCountsOutcomes(t *testing.T) {
	proc := newRecorder()
	proc.fail["stale"] = fmt.Errorf("%w: old", tracker.ErrStaleFix)
	proc.fail["bad"] = fmt.Errorf("%w: no id", tracker.ErrInvalidFix)
	proc.fail["broken"] = errors.New("disk full")

	d := NewDispatcher(proc, 2, 4, logger.Nop())
	d.Start(context.Background())
	t0 := time.Now()
	for _, dev := range []string{"ok", "stale", "bad", "broken", "ok"} {
		d.Submit(context.Background(), fixAt(dev, t0, 0))
	}
	d.Stop()

	want := Stats{Processed: 2, Stale: 1, Invalid: 1, Failed: 1}
	if s := d.Stats(); s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	d := NewDispatcher(newRecorder(), 1, 1, logger.Nop())
	d.Start(context.Background())
	d.Stop()
	if err := d.Submit(context.Background(), fixAt("A", time.Now(), 0)); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestSubmitHonoursContextWhenFull(t *testing.T) {
	d := NewDispatcher(newRecorder(), 1, 1, logger.Nop())
	// no workers running, so the queue fills after one fix
	if err := d.Submit(context.Background(), fixAt("A", time.Now(), 0)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Submit(ctx, fixAt("A", time.Now(), 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCodecs(t *testing.T) {
	alt := 1200
	speed := 85.5
	fid := uuid.New()
	in := tracker.Fix{
		ID:             uuid.New(),
		DeviceID:       "FLR3F1234",
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Latitude:       47.1,
		Longitude:      8.2,
		AltitudeMSLFt:  &alt,
		GroundSpeedKts: &speed,
		Callsign:       "HB-1234",
		Category:       tracker.CategoryGlider,
		FlightID:       &fid,
	}

	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			c, err := CodecByName(name)
			if err != nil {
				t.Fatal(err)
			}
			data, err := c.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			var out tracker.Fix
			if err := c.Decode(data, &out); err != nil {
				t.Fatal(err)
			}
			if out.ID != in.ID || out.DeviceID != in.DeviceID || !out.Timestamp.Equal(in.Timestamp) {
				t.Errorf("identity lost: %+v", out)
			}
			if out.AltitudeMSLFt == nil || *out.AltitudeMSLFt != alt || out.FlightID == nil || *out.FlightID != fid {
				t.Errorf("optional fields lost: %+v", out)
			}
		})
	}

	if _, err := CodecByName("protobuf"); err == nil {
		t.Error("unknown codec accepted")
	}
}

type fixSink struct {
	fixes []tracker.Fix
}

func (s *fixSink) Submit(_ context.Context, f tracker.Fix) error {
	s.fixes = append(s.fixes, f)
	return nil
}

func TestNATSHandle(t *testing.T) {
	sink := &fixSink{}
	sub, err := NewNATSSubscriber(nil, config.NATSIngest{Subject: "fixes", Codec: "msgpack"}, sink, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	data, _ := MsgpackCodec{}.Encode(fixAt("A", time.Now().UTC(), 0))
	sub.handle(&nats.Msg{Subject: "fixes", Data: data})
	sub.handle(&nats.Msg{Subject: "fixes", Data: []byte("garbage")})

	if len(sink.fixes) != 1 {
		t.Fatalf("forwarded %d fixes, want 1", len(sink.fixes))
	}
	f := sink.fixes[0]
	if f.Source != "nats" || f.ReceivedAt.IsZero() {
		t.Errorf("defaults not applied: source %q received %v", f.Source, f.ReceivedAt)
	}
	if sub.decodeErr.Load() != 1 {
		t.Errorf("decode errors = %d", sub.decodeErr.Load())
	}
}
