// Package ipc implements the kernel's IPC primitives: named
// multi-subscriber event channels with fixed-size payloads, named
// shared-memory regions, and per-thread signal delivery. Per-thread
// signal bitmask manipulation lives on sched.Scheduler
// (SendSignal/PendingSignals/ConsumeSignals) since the TCB it mutates
// already lives there; this package owns the two primitives that need
// their own bookkeeping: event channels and shared memory.
//
// Payloads are a fixed 5 words and each subscriber gets one bounded
// FIFO, keeping the emit hot path free of allocation.
package ipc

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// Payload is the fixed 5-word (32-bit) tuple every event channel
// carries. The compositor's command/event protocol is the payload's
// primary consumer, but the type is generic to any named channel.
type Payload [5]uint32

// Filter is an opaque subscriber-supplied filter value whose
// interpretation belongs to the caller (e.g. the compositor uses 0 for
// "all events", nonzero to scope to one window); the channel treats it
// as pure bookkeeping data, never interpreting it itself.
type Filter uint32

const defaultSubQueueDepth = 256

type subscriber struct {
	id     int
	filter Filter
	queue  []Payload
	head   int
}

func (s *subscriber) push(p Payload) error {
	if len(s.queue)-s.head >= defaultSubQueueDepth {
		return kernelerr.New("ipc", "emit", kernelerr.CodeQueueFull, "subscriber queue full")
	}
	s.queue = append(s.queue, p)
	return nil
}

func (s *subscriber) pop() (Payload, bool) {
	if s.head >= len(s.queue) {
		return Payload{}, false
	}
	p := s.queue[s.head]
	s.queue[s.head] = Payload{}
	s.head++
	// Compact occasionally so the backing array doesn't grow unbounded
	// under a long-lived, rarely-drained subscriber.
	if s.head > 64 && s.head*2 > len(s.queue) {
		s.queue = append([]Payload(nil), s.queue[s.head:]...)
		s.head = 0
	}
	return p, true
}

// channel is one named event channel: an ordered set of subscribers,
// each with its own queue, strictly FIFO in emit order.
type channel struct {
	mu       sync.Mutex
	name     string
	subs     []*subscriber
	nextSub  int
}

// Registry owns every named event channel a process creates.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*channel
	byID     map[int]*channel
	nextID   int
	logger   *logging.Logger
}

// NewRegistry constructs an empty channel registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		byName: make(map[string]*channel),
		byID:   make(map[int]*channel),
		logger: logger,
		nextID: 1,
	}
}

// Create returns the channel id for name, creating it on first use;
// creation is idempotent by name.
func (r *Registry) Create(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.byName[name]; ok {
		return ch.chanID(r)
	}
	id := r.nextID
	r.nextID++
	ch := &channel{name: name}
	r.byName[name] = ch
	r.byID[id] = ch
	return id
}

// chanID looks up ch's id; called only while r.mu is held.
func (ch *channel) chanID(r *Registry) int {
	for id, c := range r.byID {
		if c == ch {
			return id
		}
	}
	return 0
}

func (r *Registry) lookup(chanID int) (*channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[chanID]
	if !ok {
		return nil, kernelerr.New("ipc", "lookup", kernelerr.CodeNotFound, "invalid channel id")
	}
	return ch, nil
}

// Subscribe gives the caller a per-sub FIFO on chanID.
func (r *Registry) Subscribe(chanID int, filter Filter) (int, error) {
	ch, err := r.lookup(chanID)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextSub++
	sub := &subscriber{id: ch.nextSub, filter: filter}
	ch.subs = append(ch.subs, sub)
	return sub.id, nil
}

// Unsubscribe removes subID from chanID, dropping its queued payloads.
func (r *Registry) Unsubscribe(chanID, subID int) error {
	ch, err := r.lookup(chanID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, s := range ch.subs {
		if s.id == subID {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			return nil
		}
	}
	return kernelerr.New("ipc", "unsubscribe", kernelerr.CodeNotFound, "invalid sub id")
}

// Emit pushes payload to every subscriber (broadcast) or, when
// unicastSub is nonzero, to that single subscriber only. A missing
// subscriber on a unicast emit is silently dropped; an invalid channel
// id is an error.
func (r *Registry) Emit(chanID int, payload Payload, unicastSub int) error {
	ch, err := r.lookup(chanID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if unicastSub != 0 {
		for _, s := range ch.subs {
			if s.id == unicastSub {
				return s.push(payload)
			}
		}
		return nil // missing subscriber: silently dropped
	}

	var firstErr error
	for _, s := range ch.subs {
		if err := s.push(payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Poll pops the head payload for (chanID, subID), non-blocking.
func (r *Registry) Poll(chanID, subID int) (Payload, bool, error) {
	ch, err := r.lookup(chanID)
	if err != nil {
		return Payload{}, false, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, s := range ch.subs {
		if s.id == subID {
			p, ok := s.pop()
			return p, ok, nil
		}
	}
	return Payload{}, false, kernelerr.New("ipc", "poll", kernelerr.CodeNotFound, "invalid sub id")
}
