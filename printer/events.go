package printer

import (
	"sync"

	"github.com/marc/sdcp_bridge/sdcp"
)

// StatusUpdate is one published status change.
type StatusUpdate struct {
	DeviceID string
	Status   sdcp.PrintStatus
}

type subscriber struct {
	ch       chan StatusUpdate
	done     chan struct{}
	reliable bool
	once     sync.Once
}

// Bus fans status updates out to any number of subscribers without
// coupling them to the session transport. Regular subscribers drop
// updates rather than blocking the publisher; reliable subscribers
// receive every update.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber that may miss updates when it falls
// behind. The returned cancel func removes the subscription and closes
// the channel.
func (b *Bus) Subscribe() (<-chan StatusUpdate, func()) {
	return b.subscribe(false)
}

// SubscribeReliable registers a subscriber that receives every update:
// Publish blocks until delivery. For consumers that must observe
// terminal states, not just the latest snapshot.
func (b *Bus) SubscribeReliable() (<-chan StatusUpdate, func()) {
	return b.subscribe(true)
}

func (b *Bus) subscribe(reliable bool) (<-chan StatusUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{
		ch:       make(chan StatusUpdate, 16),
		done:     make(chan struct{}),
		reliable: reliable,
	}
	b.subs[id] = sub

	cancel := func() {
		sub.once.Do(func() {
			// Release any publisher blocked on this subscriber before
			// taking the lock it holds.
			close(sub.done)

			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an update to every subscriber.
func (b *Bus) Publish(u StatusUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.reliable {
			select {
			case sub.ch <- u:
			case <-sub.done:
			}
			continue
		}
		select {
		case sub.ch <- u:
		default:
			// Subscriber is not keeping up; skip this update.
		}
	}
}
