package syncqueue

import "sync"

// PendingCounter is an observable count of pending mutations, suitable for a badge.
// Subscribers receive the latest value; intermediate values may be skipped.
type PendingCounter struct {
	mu     sync.Mutex
	value  int
	nextID int
	subs   map[int]chan int
}

func newPendingCounter() *PendingCounter {
	return &PendingCounter{subs: make(map[int]chan int)}
}

// Value returns the current count.
func (c *PendingCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribe returns a channel that receives the current value immediately and every change
// after it. The returned cancel func closes the channel.
func (c *PendingCounter) Subscribe() (<-chan int, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan int, 1)
	ch <- c.value
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (c *PendingCounter) set(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.value {
		return
	}
	c.value = n
	for _, ch := range c.subs {
		// Replace an unread value so slow subscribers only ever see the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
