package pubsub

import "context"

// MemoryBroadcaster delivers within the current process only. Publish is
// synchronous, so events from one publisher reach each subscriber in order.
type MemoryBroadcaster struct {
	hub *hub
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{hub: newHub()}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, group string, payload []byte) error {
	b.hub.deliver(group, payload)
	return nil
}

func (b *MemoryBroadcaster) Subscribe(_ context.Context, group string, sub Subscriber) error {
	b.hub.add(group, sub)
	return nil
}

func (b *MemoryBroadcaster) Unsubscribe(_ context.Context, group string, sub Subscriber) error {
	b.hub.remove(group, sub)
	return nil
}

// Members returns the number of subscribers currently joined to group.
func (b *MemoryBroadcaster) Members(group string) int {
	return b.hub.count(group)
}

func (b *MemoryBroadcaster) Close() error {
	b.hub.clear()
	return nil
}
