// Package router classifies decoded reader documents and hands card touches to
// an EventSink.
package router

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/X2k16/tracking-firmware/internal/metrics"
	"github.com/X2k16/tracking-firmware/internal/models"
)

// EventSink receives classified felica events. Implementations must not block
// the reader for longer than a queue push.
type EventSink interface {
	HandleFelicaEvent(event *models.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event *models.Event)

func (f SinkFunc) HandleFelicaEvent(event *models.Event) {
	f(event)
}

// Router dispatches documents by their "type" field.
type Router struct {
	sink   EventSink
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source used for IngestedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(sink EventSink, opts ...Option) *Router {
	r := &Router{
		sink:   sink,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies doc. Unknown or missing types are dropped without error so
// newer firmware cannot stall the pipeline.
func (r *Router) Route(doc models.Document) {
	msgType := doc.Type()
	if msgType == "" {
		r.logger.Debug("dropped reader document without type")
		return
	}

	switch msgType {
	case models.TypeDebug:
		metrics.EventsTotal.WithLabelValues(models.TypeDebug).Inc()
		msg, _ := doc.String(models.FieldMessage)
		r.logger.Debug("reader debug message", slog.String("msg", msg))
	case models.TypeFelica:
		metrics.EventsTotal.WithLabelValues(models.TypeFelica).Inc()
		r.routeFelica(doc)
	default:
		metrics.EventsTotal.WithLabelValues("unknown").Inc()
		r.logger.Debug("dropped reader document with unknown type", slog.String("type", msgType))
	}
}

func (r *Router) routeFelica(doc models.Document) {
	idm, _ := doc.String(models.FieldIDm)
	if idm == "" {
		metrics.EventsRejected.WithLabelValues("missing_idm").Inc()
		r.logger.Warn("dropped felica event without idm")
		return
	}
	mac, _ := doc.String(models.FieldMACAddress)
	if mac == "" {
		metrics.EventsRejected.WithLabelValues("missing_macaddress").Inc()
		r.logger.Warn("dropped felica event without macaddress", slog.String("idm", idm))
		return
	}

	r.sink.HandleFelicaEvent(&models.Event{
		ID:         r.newID(),
		Type:       models.TypeFelica,
		IDm:        idm,
		MACAddress: mac,
		IngestedAt: r.now().UTC(),
		Fields:     doc,
	})
}
