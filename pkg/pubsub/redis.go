package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"neora-go/pkg/log"
)

// SubscribeTimeout bounds how long Subscribe waits for Redis to confirm a
// new channel subscription.
const SubscribeTimeout = 5 * time.Second

var errSubscribeTimeout = errors.New("subscription not confirmed")

// RedisBroadcaster relays groups over Redis PUBLISH/SUBSCRIBE so that a
// publisher in one process reaches connections held by another. Each process
// keeps one subscription per group that has local members and fans incoming
// payloads out through its local hub.
//
// Subscribe returns only after Redis has acknowledged the channel, so a
// Publish issued afterwards from any process reaches the new member.
type RedisBroadcaster struct {
	rdb    *redis.Client
	prefix string
	hub    *hub

	mu        sync.Mutex // serializes SUBSCRIBE/UNSUBSCRIBE with membership changes
	ps        *redis.PubSub
	startOnce sync.Once

	wmu     sync.Mutex
	waiters map[string][]chan struct{} // channel -> pending subscribe confirmations
}

func NewRedisBroadcaster(rdb *redis.Client, channelPrefix string) *RedisBroadcaster {
	return &RedisBroadcaster{
		rdb:     rdb,
		prefix:  channelPrefix,
		hub:     newHub(),
		ps:      rdb.Subscribe(context.Background()),
		waiters: make(map[string][]chan struct{}),
	}
}

func (b *RedisBroadcaster) channel(group string) string {
	return b.prefix + group
}

func (b *RedisBroadcaster) Publish(ctx context.Context, group string, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.channel(group), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to group %s: %w", group, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, group string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first, left, emptied := b.hub.add(group, sub)
	if emptied {
		if err := b.ps.Unsubscribe(ctx, b.channel(left)); err != nil {
			log.Warnw("redis unsubscribe failed", "group", left, "error", err)
		}
	}
	if !first {
		return nil
	}

	// 确认由 run 读取，必须先于 SUBSCRIBE 启动
	b.startOnce.Do(func() {
		go b.run(b.ps.ChannelWithSubscriptions(context.Background(), 100))
	})

	channel := b.channel(group)
	confirmed := b.expect(channel)
	if err := b.ps.Subscribe(ctx, channel); err != nil {
		b.forget(channel, confirmed)
		b.hub.remove(group, sub)
		return fmt.Errorf("failed to subscribe to group %s: %w", group, err)
	}

	timer := time.NewTimer(SubscribeTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = errSubscribeTimeout
	}
	b.forget(channel, confirmed)
	b.hub.remove(group, sub)
	if uerr := b.ps.Unsubscribe(context.Background(), channel); uerr != nil {
		log.Warnw("redis unsubscribe failed", "group", group, "error", uerr)
	}
	return fmt.Errorf("failed to subscribe to group %s: %w", group, err)
}

func (b *RedisBroadcaster) expect(channel string) chan struct{} {
	ch := make(chan struct{})
	b.wmu.Lock()
	b.waiters[channel] = append(b.waiters[channel], ch)
	b.wmu.Unlock()
	return ch
}

func (b *RedisBroadcaster) forget(channel string, ch chan struct{}) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	pending := b.waiters[channel]
	for i, w := range pending {
		if w == ch {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(b.waiters, channel)
		return
	}
	b.waiters[channel] = pending
}

// confirm 唤醒该 channel 最早的等待者。重连时的重新订阅没有等待者，直接忽略。
func (b *RedisBroadcaster) confirm(channel string) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	pending := b.waiters[channel]
	if len(pending) == 0 {
		return
	}
	close(pending[0])
	if len(pending) == 1 {
		delete(b.waiters, channel)
		return
	}
	b.waiters[channel] = pending[1:]
}

func (b *RedisBroadcaster) Unsubscribe(ctx context.Context, group string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hub.remove(group, sub) {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, b.channel(group)); err != nil {
		return fmt.Errorf("failed to unsubscribe from group %s: %w", group, err)
	}
	return nil
}

func (b *RedisBroadcaster) run(ch <-chan interface{}) {
	for v := range ch {
		switch msg := v.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				b.confirm(msg.Channel)
			}
		case *redis.Message:
			group := strings.TrimPrefix(msg.Channel, b.prefix)
			n := b.hub.deliver(group, []byte(msg.Payload))
			log.Debugw("redis group message relayed", "group", group, "subscribers", n)
		}
	}
}

// Members returns the number of local subscribers joined to group.
func (b *RedisBroadcaster) Members(group string) int {
	return b.hub.count(group)
}

func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub.clear()
	return b.ps.Close()
}
