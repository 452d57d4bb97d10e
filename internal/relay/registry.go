package relay

import (
	"strconv"
	"sync"

	"github.com/vimalinx/relay/internal/model"
)

// OutboxLimit caps the replay buffer per device key. Entries beyond the
// cap are evicted oldest-first; replay past the cap is not possible.
const OutboxLimit = 200

// subscriberBuffer sizes each live subscriber's event channel. It exceeds
// OutboxLimit so a subscriber that falls behind can always resync from
// the outbox after reconnecting.
const subscriberBuffer = 256

// Subscriber is one live SSE connection attached to a device key.
type Subscriber struct {
	ch chan model.OutboxEntry
}

// Events yields entries appended after the subscriber attached.
func (s *Subscriber) Events() <-chan model.OutboxEntry {
	return s.ch
}

// Registry tracks live SSE subscribers, the per-device outbox ring, and
// the per-device event sequence. A single mutex guards all three so the
// sequence stays strictly monotonic and attach/replay is atomic with
// respect to sends.
type Registry struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	outbox    map[string][]model.OutboxEntry
	sequences map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		subs:      make(map[string]map[*Subscriber]struct{}),
		outbox:    make(map[string][]model.OutboxEntry),
		sequences: make(map[string]int64),
	}
}

// Attach registers a subscriber for the device key and returns the
// buffered entries with eventId greater than lastEventID. Registration
// and backlog capture are atomic, so no entry is missed or duplicated
// between replay and live delivery.
func (r *Registry) Attach(deviceKey string, lastEventID int64) (*Subscriber, []model.OutboxEntry) {
	sub := &Subscriber{ch: make(chan model.OutboxEntry, subscriberBuffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[deviceKey]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		r.subs[deviceKey] = set
	}
	set[sub] = struct{}{}
	queue := r.outbox[deviceKey]
	backlog := make([]model.OutboxEntry, 0, len(queue))
	for _, entry := range queue {
		if entry.EventID > lastEventID {
			backlog = append(backlog, entry)
		}
	}
	return sub, backlog
}

// Detach removes the subscriber. Safe to call more than once.
func (r *Registry) Detach(deviceKey string, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[deviceKey]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subs, deviceKey)
	}
}

// Send appends the payload to the device outbox and fans it out to all
// attached subscribers. With no subscriber attached the entry simply
// waits in the outbox for the next attach. The payload gains an "id"
// field carrying the event id as a string.
func (r *Registry) Send(deviceKey string, payload map[string]any) model.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.sequences[deviceKey] + 1
	r.sequences[deviceKey] = next

	stamped := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["id"] = strconv.FormatInt(next, 10)
	entry := model.OutboxEntry{EventID: next, Payload: stamped}

	queue := append(r.outbox[deviceKey], entry)
	if len(queue) > OutboxLimit {
		queue = queue[len(queue)-OutboxLimit:]
	}
	r.outbox[deviceKey] = queue

	for sub := range r.subs[deviceKey] {
		select {
		case sub.ch <- entry:
		default:
			// Subscriber buffer full; it will resync via replay on reconnect.
		}
	}
	return entry
}

// SubscriberCount returns the number of live connections for a device key.
func (r *Registry) SubscriberCount(deviceKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[deviceKey])
}
