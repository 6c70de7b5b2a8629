package notify

import (
	"context"
	"sync"
)

// Broker is the typed publish/subscribe registry: broadcast groups are
// keyed by (scope, id) instead of ad hoc string channels. Delivery is
// at-most-once, best-effort; a publish never blocks on a slow subscriber.
type Broker interface {
	Publish(ctx context.Context, sc Scope, id string, ev Event) error
	Subscribe(ctx context.Context, sc Scope, id string) (*Subscription, error)
}

type Subscription struct {
	C     <-chan Event
	close func()
	once  sync.Once
}

func (s *Subscription) Close() { s.once.Do(s.close) }

type groupKey struct {
	scope Scope
	id    string
}

// MemoryBroker fans out in-process. It backs tests and single-node
// deployments; RedisBroker is the multi-node equivalent.
type MemoryBroker struct {
	mu     sync.RWMutex
	groups map[groupKey]map[chan Event]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{groups: make(map[groupKey]map[chan Event]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, sc Scope, id string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.groups[groupKey{sc, id}] {
		select {
		case ch <- ev:
		default: // subscriber too slow, drop
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, sc Scope, id string) (*Subscription, error) {
	ch := make(chan Event, 16)
	key := groupKey{sc, id}

	b.mu.Lock()
	if b.groups[key] == nil {
		b.groups[key] = make(map[chan Event]struct{})
	}
	b.groups[key][ch] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		close: func() {
			b.mu.Lock()
			delete(b.groups[key], ch)
			if len(b.groups[key]) == 0 {
				delete(b.groups, key)
			}
			b.mu.Unlock()
			close(ch)
		},
	}, nil
}
