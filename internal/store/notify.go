package store

import "sync"

// notifier fans out committed-change signals keyed by entity type. Channels
// have capacity one and sends never block: a subscriber that has not drained
// its channel simply sees one coalesced signal for everything it missed.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]subscription
}

type subscription struct {
	entityType string // "" subscribes to all types
	ch         chan struct{}
}

func (n *notifier) subscribe(entityType string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]subscription)
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = subscription{entityType: entityType, ch: ch}

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(entityType string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		if sub.entityType != "" && sub.entityType != entityType {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default: // already signalled
		}
	}
}
