package controller

import (
	"time"

	"github.com/FairForge/standby/internal/classify"
)

// Event announces a committed state transition.
type Event struct {
	ReplicaID string
	From      State
	To        State
	Mode      classify.Mode
	Timestamp time.Time
	Message   string
}

// Subscribe registers an event listener. Listeners run on the
// dispatcher goroutine and must not block.
func (c *Controller) Subscribe(handler func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, handler)
}

// emitEvent queues an event without blocking the owning loop.
func (c *Controller) emitEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Channel full, drop event (non-blocking)
	}
}

func (c *Controller) eventDispatcher() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.mu.RLock()
			handlers := c.subscribers
			c.mu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-c.ctx.Done():
			return
		}
	}
}
