// Package eventbus implements the bounded, per-subscription event
// queues RPC sessions read from: drop-oldest back-pressure, a single
// monotonic sequence shared by every subscriber, and since_seq replay
// from a retained ring buffer keyed on that same sequence. Publish is
// called from the executive thread; Subscribe/Ack/Drain are called from RPC
// session goroutines, so (unlike internal/mailbox, which the executive
// thread owns exclusively) Bus needs a mutex-guarded
// shared-state style (vm/devices.go's consoleIO).
package eventbus

import "sync"

// Category is one of the event types a subscription can filter on.
type Category string

const (
	CategoryTraceStep      Category = "trace_step"
	CategoryDebugBreak     Category = "debug_break"
	CategoryTaskState      Category = "task_state"
	CategoryMailboxWait    Category = "mailbox_wait"
	CategoryMailboxWake    Category = "mailbox_wake"
	CategoryMailboxTimeout Category = "mailbox_timeout"
	CategoryWatchUpdate    Category = "watch_update"
	CategoryStdout         Category = "stdout"
	CategoryStderr         Category = "stderr"
	CategoryScheduler      Category = "scheduler"
	CategoryLog            Category = "log"
)

// Event is one published occurrence. Seq is the Bus's own global
// monotonic counter, assigned once at Publish time and never
// rewritten afterward: every subscription sees a (possibly filtered)
// subsequence of the same numbering, so a since_seq a client read off
// one subscription's events remains meaningful against the retained
// buffer or a different subscription later.
type Event struct {
	Seq      uint64
	Ts       int64
	Category Category
	PID      int32
	Data     map[string]any
}

// Filter selects which published events a subscription receives.
type Filter struct {
	PIDs       map[int32]bool    // nil/empty = all PIDs
	Categories map[Category]bool // nil/empty = all categories
	SinceSeq   uint64
}

func (f Filter) matches(pid int32, cat Category) bool {
	if len(f.PIDs) > 0 && !f.PIDs[pid] {
		return false
	}
	if len(f.Categories) > 0 && !f.Categories[cat] {
		return false
	}
	return true
}

// Subscription is a single bounded FIFO of events plus the
// back-pressure bookkeeping that keeps one slow subscriber from growing
// without bound.
type Subscription struct {
	mu       sync.Mutex
	id       uint64
	filter   Filter
	queue    []Event
	capacity int
	dropped  uint64
	lastAck  uint64
}

// ID returns the subscription's identity, for events.unsubscribe/ack.
func (s *Subscription) ID() uint64 { return s.id }

// Drain removes and returns every buffered event, in order.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Dropped reports how many events this subscription has lost to its
// bounded queue's drop-oldest policy.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Ack records the client's last-processed seq. The recorded value does
// not affect delivery: a full queue drops its oldest event whether or
// not the client has acked, and the publisher is never throttled or
// slowed for a client that stops acking.
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastAck {
		s.lastAck = seq
	}
}

// push appends e to the subscription's own queue, using e's Seq as
// already assigned by Bus.Publish (or replayed verbatim from the
// retained buffer on Subscribe) rather than renumbering it.
func (s *Subscription) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
}

// Bus is the process-wide event hub. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu          sync.Mutex
	nextSubID   uint64
	subs        map[uint64]*Subscription
	retained    []Event
	retainedCap int
	globalSeq   uint64
}

// NewBus creates a Bus retaining up to retainedCap recent events for
// since_seq replay on resubscribe.
func NewBus(retainedCap int) *Bus {
	return &Bus{subs: make(map[uint64]*Subscription), retainedCap: retainedCap}
}

// Subscribe registers a new subscription with the given filter and
// per-subscription queue capacity. When filter.SinceSeq is nonzero and
// still present in the retained buffer, matching retained events are
// replayed immediately; otherwise the subscription simply starts empty
// (a gap the client must detect itself via the sequence it next
// observes "otherwise signals a gap").
func (b *Bus) Subscribe(filter Filter, capacity int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := &Subscription{id: b.nextSubID, filter: filter, capacity: capacity}
	if filter.SinceSeq > 0 {
		for _, e := range b.retained {
			if e.Seq >= filter.SinceSeq && filter.matches(e.PID, e.Category) {
				sub.push(e)
			}
		}
	}
	b.subs[sub.id] = sub
	return sub
}

// Retained returns up to limit of the most recently retained events
// across every subscription, for the sched RPC command's trace_ring
// ("bounded ring of recent scheduler events").
// limit <= 0 returns the entire retained buffer.
func (b *Bus) Retained(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit >= len(b.retained) {
		out := make([]Event, len(b.retained))
		copy(out, b.retained)
		return out
	}
	out := make([]Event, limit)
	copy(out, b.retained[len(b.retained)-limit:])
	return out
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish fans an event out to every matching subscription and into
// the retained replay buffer. ts is supplied by the caller (the
// executive's own tick/wall-clock source) rather than taken here, to
// keep this package free of a hidden time dependency.
func (b *Bus) Publish(ts int64, cat Category, pid int32, data map[string]any) {
	b.mu.Lock()
	b.globalSeq++
	e := Event{Seq: b.globalSeq, Ts: ts, Category: cat, PID: pid, Data: data}
	if b.retainedCap > 0 {
		b.retained = append(b.retained, e)
		if len(b.retained) > b.retainedCap {
			b.retained = b.retained[len(b.retained)-b.retainedCap:]
		}
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter.matches(pid, cat) {
			s.push(e)
		}
	}
}
