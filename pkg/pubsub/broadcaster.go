// Package pubsub fans typed payloads out to every connection joined to a group.
//
// Delivery is best-effort and at-most-once per subscriber that is a member of
// the group at publish time. Nothing is buffered for absent subscribers and
// nothing is replayed.
package pubsub

import (
	"context"
	"sync"
)

// Subscriber receives payloads published to the group it joined.
// Deliver must not block; implementations queue or drop.
type Subscriber interface {
	Deliver(payload []byte)
}

// Broadcaster is the capability shared by the reply pipeline (publisher)
// and the connection gateway (subscriber).
type Broadcaster interface {
	Publish(ctx context.Context, group string, payload []byte) error
	Subscribe(ctx context.Context, group string, sub Subscriber) error
	Unsubscribe(ctx context.Context, group string, sub Subscriber) error
	Close() error
}

// UserGroup is the stream-mode group of a user.
func UserGroup(userID string) string {
	return "user_" + userID
}

// ChatGroup is the chat-mode group of a user.
func ChatGroup(userID string) string {
	return "chat_group_" + userID
}

// hub is the process-local membership registry. A subscriber belongs to at
// most one group; joining another group moves it.
type hub struct {
	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}
	member map[Subscriber]string
}

func newHub() *hub {
	return &hub{
		groups: make(map[string]map[Subscriber]struct{}),
		member: make(map[Subscriber]string),
	}
}

// add joins sub to group. first reports whether group had no local members
// before; left is the group sub was moved out of, if any, and emptied reports
// whether that group lost its last local member.
func (h *hub) add(group string, sub Subscriber) (first bool, left string, emptied bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.member[sub]; ok {
		if prev == group {
			return false, "", false
		}
		emptied = h.removeLocked(prev, sub)
		left = prev
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.groups[group] = members
	}
	first = len(members) == 0
	members[sub] = struct{}{}
	h.member[sub] = group
	return first, left, emptied
}

// remove reports whether group lost its last local member.
func (h *hub) remove(group string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.member[sub] != group {
		return false
	}
	return h.removeLocked(group, sub)
}

func (h *hub) removeLocked(group string, sub Subscriber) bool {
	members, ok := h.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[sub]; !ok {
		return false
	}
	delete(members, sub)
	delete(h.member, sub)
	if len(members) == 0 {
		delete(h.groups, group)
		return true
	}
	return false
}

func (h *hub) deliver(group string, payload []byte) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[group]))
	for sub := range h.groups[group] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		sub.Deliver(payload)
	}
	return len(members)
}

func (h *hub) count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *hub) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = make(map[string]map[Subscriber]struct{})
	h.member = make(map[Subscriber]string)
}
