package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a backplane over Redis pub/sub on the channel "<prefix>:fanout".
type Redis struct {
	client   redis.UniversalClient
	channel  string
	instance string
	logger   *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// NewRedis creates a backplane for the relay instance named instance.
func NewRedis(client redis.UniversalClient, prefix, instance string, logger *zap.Logger) *Redis {
	return &Redis{
		client:   client,
		channel:  prefix + ":fanout",
		instance: instance,
		logger:   logger,
	}
}

func (r *Redis) Publish(ctx context.Context, f Frame) error {
	f.Origin = r.instance
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by Redis.
func (r *Redis) Subscribe(ctx context.Context, fn func(Frame)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ps.Close()
	}
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	ch := ps.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f Frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					r.logger.Warn("dropping malformed backplane frame", zap.Error(err))
					continue
				}
				if f.Origin == r.instance {
					continue
				}
				fn(f)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var first error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.wg.Wait()
	return first
}
