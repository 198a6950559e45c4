package registry

import (
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"

	"github.com/twitter/gridsched/rm/node"
)

type EventType int

const (
	NodeAdded EventType = iota
	NodeStateChanged
	NodeRemoved
	SourceAdded
	SourceRemoved
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "NodeAdded"
	case NodeStateChanged:
		return "NodeStateChanged"
	case NodeRemoved:
		return "NodeRemoved"
	case SourceAdded:
		return "SourceAdded"
	case SourceRemoved:
		return "SourceRemoved"
	}
	return "Unknown"
}

// Event describes one change to the registry. Node is the zero value for source events.
// Seq numbers events in delivery order, starting at 1.
type Event struct {
	Type   EventType
	Node   node.Info
	Source string
	Time   time.Time
	Seq    uint64

	// Set for NodeStateChanged; Node is read from it when the event is published.
	n *node.Node
}

// Subscription delivers registry events in Seq order. A NodeStateChanged event
// carries the node's state as of publication, so the last event seen for a node
// matches its current state even when concurrent changes race to publish. Events
// are buffered without bound so that registry callers never wait on a slow reader.
type Subscription struct {
	OutCh chan []Event

	inCh   chan []Event
	doneCh chan struct{}
	once   sync.Once
	reg    *Registry
}

func newSubscription(reg *Registry) *Subscription {
	s := &Subscription{
		OutCh:  make(chan []Event),
		inCh:   make(chan []Event),
		doneCh: make(chan struct{}),
		reg:    reg,
	}
	go s.loop()
	return s
}

// Close stops delivery. OutCh is closed once the subscription's goroutine exits.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.reg.unsubscribe(s)
		close(s.doneCh)
	})
	return nil
}

func (s *Subscription) loop() {
	defer close(s.OutCh)
	pending := queue.New()
	for {
		var outCh chan []Event
		var outgoing []Event
		if pending.Len() > 0 {
			outCh = s.OutCh
			outgoing = pending.Peek().([]Event)
		}
		select {
		case events := <-s.inCh:
			pending.Enqueue(events)
		case outCh <- outgoing:
			pending.Dequeue()
		case <-s.doneCh:
			return
		}
	}
}

// deliver hands events to the subscription's goroutine, giving up if the subscription closed.
func (s *Subscription) deliver(events []Event) {
	select {
	case s.inCh <- events:
	case <-s.doneCh:
	}
}

func (r *Registry) Subscribe() *Subscription {
	s := newSubscription(r)
	r.subsMu.Lock()
	r.subs = append(r.subs, s)
	r.subsMu.Unlock()
	return s
}

func (r *Registry) unsubscribe(s *Subscription) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, sub := range r.subs {
		if sub == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// publish must be called without r.mu held.
func (r *Registry) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.n != nil {
			if e.n.Removed() {
				// NodeRemoved is published by whoever dropped it.
				continue
			}
			e.Node = e.n.Info()
			e.n = nil
		}
		r.seq++
		e.Seq = r.seq
		out = append(out, e)
	}
	if len(out) == 0 {
		return
	}
	for _, sub := range r.subs {
		sub.deliver(out)
	}
}
