package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// signalStreamMaxLen caps the signal history stream (XADD MAXLEN ~).
const signalStreamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus on Redis Pub/Sub and
// domain.SignalPublisher on top of it. Published signals are also appended
// to a capped stream so late consumers can read recent history.
type SignalBus struct {
	rdb    *redis.Client
	client *Client
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), client: c}
}

// SignalChannel is the Pub/Sub channel for signals of type t.
func (sb *SignalBus) SignalChannel(t domain.SignalType) string {
	return sb.client.Key("signals", string(t))
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PublishSignal encodes sig as JSON, publishes it on its type channel and
// appends it to the signal stream.
func (sb *SignalBus) PublishSignal(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: marshal signal %s: %w", sig.SignalType, err)
	}
	pipe := sb.rdb.Pipeline()
	pipe.Publish(ctx, sb.SignalChannel(sig.SignalType), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.Key("signals", "stream"),
		MaxLen: signalStreamMaxLen,
		Approx: true,
		Values: map[string]any{"type": string(sig.SignalType), "payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish signal %s: %w", sig.SignalType, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob
// patterns use PSUBSCRIBE. The channel closes when ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var (
	_ domain.SignalBus       = (*SignalBus)(nil)
	_ domain.SignalPublisher = (*SignalBus)(nil)
)
