// Package readerstats provides Redis-backed per-reader touch statistics.
//
// Several bridge processes may share one Redis. Counters are flushed in
// batches by a Collector and can be read by any dashboard.
//
// Redis Key Structure:
//
//	touch:stats:{mac}              - Hash with last touch and running total
//	touch:hourly:{mac}:{YYYYMMDDHH} - Touch count for specific hour (expires 48h)
//	touch:daily:{mac}:{YYYYMMDD}   - Touch count for specific day (expires 7d)
//	touch:cards:{mac}:{YYYYMMDD}   - Set of card IDm seen that day (expires 7d)
//	touch:instances:{mac}          - Hash of bridge instance -> last seen timestamp
package readerstats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stats is the current view of one reader.
type Stats struct {
	MAC              string            `json:"mac"`
	LastTouchAt      *time.Time        `json:"last_touch_at,omitempty"`
	LastIDm          string            `json:"last_idm,omitempty"`
	TotalTouches     int64             `json:"total_touches"`
	TouchesThisHour  int64             `json:"touches_this_hour"`
	TouchesLast24h   int64             `json:"touches_last_24h"`
	UniqueCardsToday int64             `json:"unique_cards_today"`
	Instances        map[string]string `json:"instances,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at"`
}

type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID should be unique per bridge
// process (hostname plus pid works).
func NewClient(redisURL string, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

// NewClientFromRedis wraps an existing connection.
func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// BatchUpdate accumulates touches of one reader between flushes.
type BatchUpdate struct {
	MAC     string
	Touches int64
	Cards   map[string]struct{}
	LastIDm string
	LastAt  time.Time
}

func NewBatchUpdate(mac string) *BatchUpdate {
	return &BatchUpdate{
		MAC:   mac,
		Cards: make(map[string]struct{}),
	}
}

// Add counts one touch.
func (b *BatchUpdate) Add(idm string, at time.Time) {
	b.Touches++
	b.Cards[idm] = struct{}{}
	if !at.Before(b.LastAt) {
		b.LastAt = at
		b.LastIDm = idm
	}
}

// Merge folds other into b.
func (b *BatchUpdate) Merge(other *BatchUpdate) {
	b.Touches += other.Touches
	for idm := range other.Cards {
		b.Cards[idm] = struct{}{}
	}
	if !other.LastAt.Before(b.LastAt) {
		b.LastAt = other.LastAt
		b.LastIDm = other.LastIDm
	}
}

// FlushBatch writes batch to Redis in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *BatchUpdate) error {
	if batch.Touches == 0 {
		return nil
	}

	now := c.now()
	hourKey := now.Format("2006010215")
	dayKey := now.Format("20060102")
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	statsKey := fmt.Sprintf("touch:stats:%s", batch.MAC)
	pipe.HSet(ctx, statsKey, map[string]interface{}{
		"last_touch_at": strconv.FormatInt(batch.LastAt.Unix(), 10),
		"last_idm":      batch.LastIDm,
	})
	pipe.HIncrBy(ctx, statsKey, "total_touches", batch.Touches)

	hourlyKey := fmt.Sprintf("touch:hourly:%s:%s", batch.MAC, hourKey)
	pipe.IncrBy(ctx, hourlyKey, batch.Touches)
	pipe.Expire(ctx, hourlyKey, 48*time.Hour)

	dailyKey := fmt.Sprintf("touch:daily:%s:%s", batch.MAC, dayKey)
	pipe.IncrBy(ctx, dailyKey, batch.Touches)
	pipe.Expire(ctx, dailyKey, 7*24*time.Hour)

	if len(batch.Cards) > 0 {
		cardsKey := fmt.Sprintf("touch:cards:%s:%s", batch.MAC, dayKey)
		cards := make([]interface{}, 0, len(batch.Cards))
		for idm := range batch.Cards {
			cards = append(cards, idm)
		}
		pipe.SAdd(ctx, cardsKey, cards...)
		pipe.Expire(ctx, cardsKey, 7*24*time.Hour)
	}

	instancesKey := fmt.Sprintf("touch:instances:%s", batch.MAC)
	pipe.HSet(ctx, instancesKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, instancesKey, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// GetStats reads the current statistics of one reader.
func (c *Client) GetStats(ctx context.Context, mac string) (*Stats, error) {
	now := c.now()
	dayKey := now.Format("20060102")

	pipe := c.redis.Pipeline()

	statsCmd := pipe.HGetAll(ctx, fmt.Sprintf("touch:stats:%s", mac))

	// Last 24 hours; index 0 is the current hour
	hourlyCmds := make([]*redis.StringCmd, 24)
	for i := range hourlyCmds {
		t := now.Add(-time.Duration(i) * time.Hour)
		hourlyCmds[i] = pipe.Get(ctx, fmt.Sprintf("touch:hourly:%s:%s", mac, t.Format("2006010215")))
	}

	cardsCmd := pipe.SCard(ctx, fmt.Sprintf("touch:cards:%s:%s", mac, dayKey))
	instancesCmd := pipe.HGetAll(ctx, fmt.Sprintf("touch:instances:%s", mac))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		MAC:         mac,
		RetrievedAt: now,
	}

	fields := statsCmd.Val()
	if v, ok := fields["last_touch_at"]; ok {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			stats.LastTouchAt = &t
		}
	}
	stats.LastIDm = fields["last_idm"]
	if v, ok := fields["total_touches"]; ok {
		stats.TotalTouches, _ = strconv.ParseInt(v, 10, 64)
	}

	for i, cmd := range hourlyCmds {
		n, err := cmd.Int64()
		if err != nil {
			continue
		}
		if i == 0 {
			stats.TouchesThisHour = n
		}
		stats.TouchesLast24h += n
	}

	stats.UniqueCardsToday = cardsCmd.Val()
	if instances := instancesCmd.Val(); len(instances) > 0 {
		stats.Instances = instances
	}

	return stats, nil
}

// ListReaders returns the MAC of every reader with recorded stats.
func (c *Client) ListReaders(ctx context.Context) ([]string, error) {
	var macs []string
	iter := c.redis.Scan(ctx, 0, "touch:stats:*", 100).Iterator()
	for iter.Next(ctx) {
		macs = append(macs, iter.Val()[len("touch:stats:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan readers: %w", err)
	}
	return macs, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
