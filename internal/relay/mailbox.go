package relay

import (
	"context"
	"sync"
	"time"

	"github.com/vimalinx/relay/internal/model"
)

// Mailbox queues inbound messages per device key until a long-poll drains
// them. Queues are unbounded; an abandoned device key accumulates until
// the process restarts. At most one waiter is resolved per enqueue, so
// only one outstanding poll per device key is supported.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[string][]model.InboundMessage
	waiters map[string][]*waiter
}

type waiter struct {
	ch chan []model.InboundMessage
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		queues:  make(map[string][]model.InboundMessage),
		waiters: make(map[string][]*waiter),
	}
}

// Enqueue appends the message and, if a poll is parked on the device key,
// hands the whole queue to the oldest waiter.
func (m *Mailbox) Enqueue(deviceKey string, message model.InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[deviceKey] = append(m.queues[deviceKey], message)
	m.notifyLocked(deviceKey)
}

func (m *Mailbox) notifyLocked(deviceKey string) {
	pending := m.waiters[deviceKey]
	if len(pending) == 0 {
		return
	}
	queue := m.queues[deviceKey]
	if len(queue) == 0 {
		return
	}
	w := pending[0]
	m.removeWaiterLocked(deviceKey, w)
	delete(m.queues, deviceKey)
	w.ch <- queue
}

func (m *Mailbox) removeWaiterLocked(deviceKey string, target *waiter) {
	pending := m.waiters[deviceKey]
	for i, w := range pending {
		if w == target {
			m.waiters[deviceKey] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(m.waiters[deviceKey]) == 0 {
		delete(m.waiters, deviceKey)
	}
}

// Wait returns queued messages immediately, or parks until the next
// enqueue, the wait duration, or context cancellation (client abort),
// whichever comes first. Timeout and cancellation yield an empty list,
// never an error.
func (m *Mailbox) Wait(ctx context.Context, deviceKey string, wait time.Duration) []model.InboundMessage {
	m.mu.Lock()
	if queue := m.queues[deviceKey]; len(queue) > 0 {
		delete(m.queues, deviceKey)
		m.mu.Unlock()
		return queue
	}
	w := &waiter{ch: make(chan []model.InboundMessage, 1)}
	m.waiters[deviceKey] = append(m.waiters[deviceKey], w)
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case messages := <-w.ch:
		return messages
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.removeWaiterLocked(deviceKey, w)
	m.mu.Unlock()

	// An enqueue may have raced the timeout and already resolved this
	// waiter; recover those messages rather than dropping them.
	select {
	case messages := <-w.ch:
		return messages
	default:
		return nil
	}
}

// QueueLen reports the number of messages parked for a device key.
func (m *Mailbox) QueueLen(deviceKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[deviceKey])
}
