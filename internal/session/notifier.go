package session

import "sync"

// notifier runs posted callbacks one at a time in posting order. A drain
// goroutine exists only while the queue is non-empty.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	go n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.queue = nil
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}
