package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const listKey = "testpool:wakeup"

// RedisNotifier is a distributed wakeup notifier using LPUSH/BRPOP: signals
// persist in the list even with no subscriber listening, and BRPOP's short
// timeout keeps subscriber goroutines responsive to context cancellation.
type RedisNotifier struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisNotifier wraps an existing Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Wake(ctx context.Context) error {
	return n.client.LPush(ctx, listKey, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: ch, cancel: cancel}
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	go func() {
		defer func() {
			n.removeSub(sub)
			close(ch)
		}()
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			result, err := n.client.BRPop(subCtx, time.Second, listKey).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if len(result) >= 2 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, s := range n.subs {
		s.cancel()
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(target *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
}
