// Package pubsub implements the optional cross-instance broadcast relay over
// Redis: publish helpers for ranking and ticker frames and pattern
// subscriptions for both channels. Disabled by default. When enabled,
// cmd/momentumd publishes each ticker ("U") frame it builds; nothing
// publishes ranking frames and nothing subscribes, so frames from other
// instances are not re-broadcast to local clients.
//
// Grounded on pkg/redis/client.go (teacher: thin *redis.Client wrapper with
// JSON-marshalling Publish/Subscribe helpers and a channel-name builder)
// and internal/publisher/redis.go (the throttled-publish-with-metrics
// pattern), combined and narrowed to this relay's two channels.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	rankingChannelPrefix = "momentumd:ranking:"
	tickerChannelPrefix  = "momentumd:ticker:"
)

// FrameHandler receives a relayed frame and the tf or key it was published
// under.
type FrameHandler func(topic string, frame []byte)

// Relay wraps a go-redis client for the ranking/ticker pub/sub channels.
// Grounded on pkg/redis.Client's constructor-with-ping-test shape.
type Relay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Config mirrors pkg/redis.ClientConfig, narrowed to what the relay needs.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping, matching
// the teacher's "fail fast at construction" convention.
func New(cfg Config, logger *zap.Logger) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pubsub: connect to redis: %w", err)
	}

	return &Relay{rdb: rdb, logger: logger.Named("pubsub")}, nil
}

// PublishRanking relays a ranking frame for timeframe tf to every other
// instance.
func (r *Relay) PublishRanking(ctx context.Context, tf int, frame []byte) error {
	channel := fmt.Sprintf("%s%d", rankingChannelPrefix, tf)
	if err := r.rdb.Publish(ctx, channel, frame).Err(); err != nil {
		r.logger.Error("publish ranking failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// PublishTicker relays a ticker frame for a given (exchange:symbol) key.
func (r *Relay) PublishTicker(ctx context.Context, key string, frame []byte) error {
	channel := tickerChannelPrefix + key
	if err := r.rdb.Publish(ctx, channel, frame).Err(); err != nil {
		r.logger.Error("publish ticker failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRankings subscribes to every ranking channel and invokes handler
// with the timeframe label and frame for each message received, until ctx
// is cancelled.
func (r *Relay) SubscribeRankings(ctx context.Context, handler FrameHandler) error {
	return r.subscribePattern(ctx, rankingChannelPrefix+"*", rankingChannelPrefix, handler)
}

// SubscribeTickers subscribes to every ticker channel and invokes handler
// with the symbol key and frame for each message received, until ctx is
// cancelled.
func (r *Relay) SubscribeTickers(ctx context.Context, handler FrameHandler) error {
	return r.subscribePattern(ctx, tickerChannelPrefix+"*", tickerChannelPrefix, handler)
}

func (r *Relay) subscribePattern(ctx context.Context, pattern, trimPrefix string, handler FrameHandler) error {
	sub := r.rdb.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe %s: %w", pattern, err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				topic := msg.Channel[len(trimPrefix):]
				handler(topic, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close closes the underlying Redis connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}
