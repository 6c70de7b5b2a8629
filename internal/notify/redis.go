package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/redisx"
)

// RedisBroker carries broadcast groups over Redis pub/sub channels so
// the API nodes see events published by the pipeline workers.
type RedisBroker struct {
	RDB *redis.Client
	Log *zap.Logger
}

func channelName(sc Scope, id string) string {
	return fmt.Sprintf(redisx.KeyNotifyChannel, sc, id)
}

func (b *RedisBroker) Publish(ctx context.Context, sc Scope, id string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.RDB.Publish(ctx, channelName(sc, id), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, sc Scope, id string) (*Subscription, error) {
	pubsub := b.RDB.Subscribe(ctx, channelName(sc, id))
	// force the SUBSCRIBE round trip so a broken connection fails here,
	// not silently in the pump goroutine
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		src := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-src:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.Log.Warn("notify decode", zap.Error(err))
					continue
				}
				select {
				case ch <- ev:
				default: // subscriber too slow, drop
				}
			}
		}
	}()

	return &Subscription{
		C: ch,
		close: func() {
			close(done)
			_ = pubsub.Close()
		},
	}, nil
}
