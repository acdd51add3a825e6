// File: internal/notify/redis.go
package notify

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisSink publishes messages to a redis channel so headless deployments can
// consume valuation events out of process. Publishing happens on a background
// goroutine per message batch; the core never waits on redis.
type RedisSink struct {
	cli     *redis.Client
	channel string
	logger  *zap.Logger
	inner   *ChannelSink
}

// NewRedisSink connects to redis and starts the forwarding loop. The returned
// sink shares ChannelSink's drop-on-full behavior for its internal buffer.
func NewRedisSink(ctx context.Context, addr, channel string, buffer int, logger *zap.Logger) (*RedisSink, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}

	s := &RedisSink{
		cli:     cli,
		channel: channel,
		logger:  logger.Named("notify_redis"),
		inner:   NewChannelSink(buffer, logger),
	}
	go s.forward(ctx)
	return s, nil
}

// Publish hands the message to the internal buffer without blocking.
func (s *RedisSink) Publish(msg Message) {
	s.inner.Publish(msg)
}

func (s *RedisSink) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.cli.Close()
			return
		case msg := <-s.inner.Messages():
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("Failed to encode notification", zap.Error(err))
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.cli.Publish(pubCtx, s.channel, payload).Err(); err != nil {
				s.logger.Debug("Redis publish failed", zap.Error(err))
			}
			cancel()
		}
	}
}
