// Package bus provides a small in-process pub/sub used to decouple the
// policy engine and task store from observers (scheduler, metrics, CLI).
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Topics published by the core.
const (
	TopicDecision      = "gate.decision"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskReclaimed = "task.reclaimed"
	TopicSchedulerTick = "scheduler.tick"
)

// DecisionEvent is published after every policy evaluation.
type DecisionEvent struct {
	ActionType string
	Outcome    string
	Reason     string
	Actor      string
}

// TaskEvent is published when a task is claimed or reclaimed.
type TaskEvent struct {
	TaskID    string
	OwnerRole string
	Session   string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a topic-prefix pub/sub with non-blocking publish. A slow subscriber
// drops events rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in all topics starting with prefix.
// An empty prefix matches every event.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}
