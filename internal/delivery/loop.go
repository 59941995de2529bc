// Package delivery runs the consumer side of the pipeline: it drains the
// transfer queue into the tracking API with at-least-once semantics and sends
// heartbeats while the queue is idle.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/X2k16/tracking-firmware/internal/apiclient"
	"github.com/X2k16/tracking-firmware/internal/config"
	"github.com/X2k16/tracking-firmware/internal/logging"
	"github.com/X2k16/tracking-firmware/internal/metrics"
	"github.com/X2k16/tracking-firmware/internal/middleware"
	"github.com/X2k16/tracking-firmware/internal/models"
	"github.com/X2k16/tracking-firmware/internal/queue"
)

type State string

const (
	StateWaiting State = "WAITING"
	StateSending State = "SENDING"
	StateBackoff State = "BACKOFF"
	StateStopped State = "STOPPED"
)

// API is the subset of the tracking API used by the loop.
type API interface {
	PostTouch(ctx context.Context, touch models.Touch) (*apiclient.Response, error)
	Heartbeat(ctx context.Context, clientID int64) (*apiclient.Response, error)
}

// Source is the consumer side of the transfer queue.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*models.Event, error)
	Requeue(event *models.Event)
	Len() int
}

// Config holds loop timing.
type Config struct {
	ClientID            int64         // <= 0: no client field, no heartbeats
	IdleTimeout         time.Duration // 0: wait forever for the next touch
	Backoff             time.Duration
	HeartbeatRetryDelay time.Duration
}

// ConfigFrom maps the process configuration onto loop settings.
func ConfigFrom(api config.APIConfig, d config.DeliveryConfig) Config {
	return Config{
		ClientID:            api.ClientID,
		IdleTimeout:         d.IdleTimeout,
		Backoff:             d.Backoff,
		HeartbeatRetryDelay: d.HeartbeatRetryDelay,
	}
}

// Stats is a point-in-time snapshot of the loop.
type Stats struct {
	State             State     `json:"state"`
	QueueDepth        int       `json:"queue_depth"`
	Delivered         uint64    `json:"delivered"`
	Failed            uint64    `json:"failed"`
	Heartbeats        uint64    `json:"heartbeats"`
	HeartbeatFailures uint64    `json:"heartbeat_failures"`
	LastDelivery      time.Time `json:"last_delivery,omitzero"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

type Loop struct {
	queue  Source
	api    API
	cfg    Config
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration)

	mu    sync.RWMutex
	stats Stats
}

func New(q Source, api API, cfg Config, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{
		queue:  q,
		api:    api,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		stats:  Stats{State: StateWaiting},
	}
}

// Run consumes the queue until ctx is cancelled. Cancellation is observed at
// state boundaries; a request already in flight runs to completion or to the
// API client timeout.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("delivery loop started",
		slog.Duration("idle_timeout", l.cfg.IdleTimeout),
		slog.Duration("backoff", l.cfg.Backoff),
		slog.Bool("heartbeat", l.cfg.ClientID > 0),
	)
	defer func() {
		l.setState(StateStopped)
		l.logger.Info("delivery loop stopped", slog.Int("pending", l.queue.Len()))
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		l.setState(StateWaiting)
		event, err := l.queue.Pop(ctx, l.cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				l.idle(ctx)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.setState(StateSending)
		if err := l.deliver(ctx, event); err != nil {
			l.queue.Requeue(event)
			l.setState(StateBackoff)
			l.sleep(ctx, l.cfg.Backoff)
		}
	}
}

// Stats returns a snapshot of delivery counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	s := l.stats
	l.mu.RUnlock()
	s.QueueDepth = l.queue.Len()
	return s
}

func (l *Loop) deliver(ctx context.Context, event *models.Event) error {
	sendCtx := middleware.WithRequestID(context.WithoutCancel(ctx), event.ID)
	attempt := event.Attempts + 1

	start := time.Now()
	resp, err := l.api.PostTouch(sendCtx, models.NewTouch(event, l.cfg.ClientID))
	elapsed := time.Since(start)
	metrics.DeliveryDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
		l.mu.Lock()
		l.stats.Failed++
		l.stats.LastError = err.Error()
		l.mu.Unlock()

		l.logger.ErrorContext(sendCtx, "touch delivery failed, requeueing",
			logging.EventID(event.ID),
			logging.IDm(event.IDm),
			logging.MAC(event.MACAddress),
			logging.Attempt(attempt),
			logging.Duration(elapsed),
			logging.Error(err),
		)
		return err
	}

	metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	l.mu.Lock()
	l.stats.Delivered++
	l.stats.LastDelivery = time.Now()
	l.mu.Unlock()

	l.logger.InfoContext(sendCtx, "touch delivered",
		logging.IDm(event.IDm),
		logging.MAC(event.MACAddress),
		logging.Attempt(attempt),
		logging.Status(resp.StatusCode),
		logging.Duration(elapsed),
	)
	l.logger.DebugContext(sendCtx, "tracking api response", slog.String("body", string(resp.Body)))
	return nil
}

// idle runs when the queue stayed empty for the idle timeout.
func (l *Loop) idle(ctx context.Context) {
	if l.cfg.ClientID <= 0 {
		return
	}

	_, err := l.api.Heartbeat(context.WithoutCancel(ctx), l.cfg.ClientID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("failure").Inc()
		l.mu.Lock()
		l.stats.HeartbeatFailures++
		l.stats.LastError = err.Error()
		l.mu.Unlock()

		l.logger.Warn("heartbeat failed", logging.ClientID(l.cfg.ClientID), logging.Error(err))
		l.sleep(ctx, l.cfg.HeartbeatRetryDelay)
		return
	}

	metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
	l.mu.Lock()
	l.stats.Heartbeats++
	l.stats.LastHeartbeat = time.Now()
	l.mu.Unlock()

	l.logger.Debug("heartbeat sent", logging.ClientID(l.cfg.ClientID))
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.stats.State = s
	l.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
