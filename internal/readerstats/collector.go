package readerstats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Flusher persists one batch.
type Flusher interface {
	FlushBatch(ctx context.Context, batch *BatchUpdate) error
}

// Collector accumulates touches in memory and flushes them periodically.
// Safe for concurrent use.
type Collector struct {
	client        Flusher
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*BatchUpdate // mac -> batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts the background flush loop.
func NewCollector(client Flusher, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*BatchUpdate),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// Record counts a touch of card idm on reader mac.
func (c *Collector) Record(mac, idm string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.batches[mac]
	if !ok {
		batch = NewBatchUpdate(mac)
		c.batches[mac] = batch
	}
	batch.Add(idm, at)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			// Final flush on shutdown
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*BatchUpdate)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	var touches int64

	for _, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush reader stats",
				slog.String("mac", batch.MAC),
				slog.Int64("touches", batch.Touches),
				slog.String("error", err.Error()),
			)
			// Merge back for the next flush
			c.mu.Lock()
			if existing, ok := c.batches[batch.MAC]; ok {
				existing.Merge(batch)
			} else {
				c.batches[batch.MAC] = batch
			}
			c.mu.Unlock()
			continue
		}
		flushed++
		touches += batch.Touches
	}

	if flushed > 0 {
		c.logger.Debug("flushed reader stats",
			slog.Int("readers", flushed),
			slog.Int64("touches", touches),
		)
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop ends the flush loop after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns unflushed touch counts per reader.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string]int64, len(c.batches))
	for mac, batch := range c.batches {
		pending[mac] = batch.Touches
	}
	return pending
}
