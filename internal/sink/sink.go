// Package sink provides the EventSink variants a deployment composes: queue
// push, repeated-touch suppression, fan-out, NATS mirroring and reader stats.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/X2k16/tracking-firmware/internal/config"
	"github.com/X2k16/tracking-firmware/internal/metrics"
	"github.com/X2k16/tracking-firmware/internal/middleware"
	"github.com/X2k16/tracking-firmware/internal/models"
	"github.com/X2k16/tracking-firmware/internal/router"
)

// Pusher is the producer side of the transfer queue.
type Pusher interface {
	Push(event *models.Event)
}

// Queue pushes every touch onto the transfer queue.
type Queue struct {
	q      Pusher
	seq    atomic.Uint64
	logger *slog.Logger
}

func NewQueue(q Pusher, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{q: q, logger: logger}
}

func (s *Queue) HandleFelicaEvent(event *models.Event) {
	n := s.seq.Add(1)
	s.q.Push(event)
	s.logger.Info("touch queued",
		slog.Uint64("seq", n),
		slog.String("event_id", event.ID),
		slog.String("idm", event.IDm),
		slog.String("mac", event.MACAddress),
	)
}

// Accepted returns how many touches have been queued since start.
func (s *Queue) Accepted() uint64 {
	return s.seq.Load()
}

// Dedup drops a touch whose card matches the immediately previous touch.
// In window mode the repeat is only dropped while it arrives within window of
// the previous read of that card; each read restarts the window.
type Dedup struct {
	next   router.EventSink
	mode   string
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	seen    bool
	lastIDm string
	lastAt  time.Time
}

// WithDedup wraps next according to cfg. Mode "none" returns next unchanged.
func WithDedup(next router.EventSink, cfg config.DedupConfig, logger *slog.Logger) router.EventSink {
	if cfg.Mode == "" || cfg.Mode == config.DedupNone {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dedup{
		next:   next,
		mode:   cfg.Mode,
		window: cfg.Window,
		logger: logger,
	}
}

func (d *Dedup) HandleFelicaEvent(event *models.Event) {
	d.mu.Lock()
	duplicate := d.seen && d.lastIDm == event.IDm
	if duplicate && d.mode == config.DedupWindow {
		duplicate = event.IngestedAt.Sub(d.lastAt) < d.window
	}
	d.seen = true
	d.lastIDm = event.IDm
	d.lastAt = event.IngestedAt
	d.mu.Unlock()

	if duplicate {
		metrics.DuplicatesDropped.Inc()
		d.logger.Debug("dropped repeated touch", slog.String("idm", event.IDm))
		return
	}
	d.next.HandleFelicaEvent(event)
}

// Fanout hands each touch to every sink in order.
type Fanout []router.EventSink

func (f Fanout) HandleFelicaEvent(event *models.Event) {
	for _, s := range f {
		s.HandleFelicaEvent(event)
	}
}

// Publisher publishes a JSON-encoded value on a subject.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, data interface{}) error
}

// Mirror copies touches to a message bus for local consumers. Failures are
// logged and never affect delivery to the tracking API.
type Mirror struct {
	pub     Publisher
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

func NewMirror(pub Publisher, subject string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		pub:     pub,
		subject: subject,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (m *Mirror) HandleFelicaEvent(event *models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	ctx = middleware.WithRequestID(ctx, event.ID)

	if err := m.pub.PublishJSON(ctx, m.subject, snapshot(event)); err != nil {
		metrics.MirrorErrors.Inc()
		m.logger.Warn("failed to mirror touch",
			slog.String("event_id", event.ID),
			slog.String("subject", m.subject),
			slog.String("error", err.Error()),
		)
	}
}

// snapshot copies the fields fixed at routing time. Attempts is left out: the
// delivery loop owns it once the event is queued.
func snapshot(event *models.Event) models.Event {
	return models.Event{
		ID:         event.ID,
		Type:       event.Type,
		IDm:        event.IDm,
		MACAddress: event.MACAddress,
		IngestedAt: event.IngestedAt,
		Fields:     event.Fields,
	}
}

// Recorder accumulates per-reader statistics.
type Recorder interface {
	Record(mac, idm string, at time.Time)
}

// Stats feeds touches into a Recorder.
type Stats struct {
	rec Recorder
}

func NewStats(rec Recorder) *Stats {
	return &Stats{rec: rec}
}

func (s *Stats) HandleFelicaEvent(event *models.Event) {
	s.rec.Record(event.MACAddress, event.IDm, event.IngestedAt)
}
