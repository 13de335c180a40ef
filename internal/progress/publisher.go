package progress

import (
	"context"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the per-job pub/sub channel: "bulk:<job id>".
const ChannelPrefix = "bulk:"

// Channel returns the pub/sub channel for a job.
func Channel(jobID string) string { return ChannelPrefix + jobID }

// Publisher emits job events. Publish never blocks on subscribers and never
// reports failure to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// RedisPublisher publishes encoded events on per-job Redis channels.
type RedisPublisher struct {
	client  *redis.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, timeout: 2 * time.Second, log: logger.New("progress")}
}

// Publish sends e and logs, rather than returns, any failure.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	data, err := Encode(e)
	if err != nil {
		p.log.Error("encode event failed", "job_id", e.Job(), "error", err)
		return
	}
	// Detached from the caller's cancellation so a cancelled job can still
	// announce its terminal event.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(pctx, Channel(e.Job()), data).Err(); err != nil {
		p.log.Warn("publish event failed", "job_id", e.Job(), "event", string(e.Kind()), "error", err)
	}
}

// HubPublisher delivers straight into an in-process hub. It is used when
// Redis is not configured.
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher creates a publisher that bypasses Redis.
func NewHubPublisher(hub *Hub) *HubPublisher { return &HubPublisher{hub: hub} }

// Publish encodes e and hands it to local subscribers.
func (p *HubPublisher) Publish(_ context.Context, e Event) {
	data, err := Encode(e)
	if err != nil {
		return
	}
	p.hub.Deliver(e.Job(), data)
}
