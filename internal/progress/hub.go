package progress

import (
	"context"
	"strings"
	"sync"

	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Hub holds one Redis pattern subscription for the whole process and fans
// messages out to local subscribers by job id. Slow subscribers lose
// messages instead of stalling the hub.
type Hub struct {
	redis  *redis.Client
	buffer int
	log    *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewHub creates a hub. client may be nil for in-process delivery only.
func NewHub(client *redis.Client) *Hub {
	return &Hub{
		redis:  client,
		buffer: 64,
		log:    logger.New("progress-hub"),
		subs:   make(map[string]map[chan []byte]struct{}),
	}
}

// Run relays Redis messages until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	ps := h.redis.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	h.log.Info("subscribed to job event channels", "pattern", ChannelPrefix+"*")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.Deliver(strings.TrimPrefix(msg.Channel, ChannelPrefix), []byte(msg.Payload))
		}
	}
}

// Subscribe registers interest in a job. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Deliver hands a message to every subscriber of jobID.
func (h *Hub) Deliver(jobID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[jobID] {
		select {
		case ch <- msg:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers returns the number of subscribers of jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
