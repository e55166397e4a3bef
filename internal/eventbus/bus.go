package eventbus

import (
	"context"
	"sync"

	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventCell carries cell and cell order changes.
	EventCell EventType = "cell"
	// EventKernel carries kernel status and queue changes.
	EventKernel EventType = "kernel"
	// EventOutput carries outputs of a cell run.
	EventOutput EventType = "output"
	// EventNotification carries user-visible messages.
	EventNotification EventType = "notification"
)

// Event represents a UI-facing event emitted by the notebook client.
type Event struct {
	Type         EventType
	Cell         schema.CellEvent
	Kernel       schema.KernelEvent
	Output       schema.OutputEvent
	Notification schema.Notification
}

// NotebookID returns the notebook the event belongs to.
func (e Event) NotebookID() schema.NotebookID {
	switch e.Type {
	case EventCell:
		return e.Cell.NotebookID
	case EventKernel:
		return e.Kernel.NotebookID
	case EventOutput:
		return e.Output.NotebookID
	case EventNotification:
		return e.Notification.NotebookID
	}
	return ""
}

// Bus fans events out to per-notebook subscribers. Events without a
// notebook reach every subscriber.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.NotebookID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.NotebookID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the notebook and returns a channel + cancel.
func (b *Bus) Subscribe(notebookID schema.NotebookID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	nbSubs := b.subs[notebookID]
	if nbSubs == nil {
		nbSubs = make(map[chan Event]struct{})
		b.subs[notebookID] = nbSubs
	}
	nbSubs[ch] = struct{}{}
	count := len(nbSubs)
	b.mu.Unlock()
	b.log.With("notebook", notebookID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[notebookID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, notebookID)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("notebook", notebookID).Debug("eventbus unsubscribe")
		})
	}
}

// OnCellEvent publishes a cell event.
func (b *Bus) OnCellEvent(event schema.CellEvent) {
	b.publish(Event{Type: EventCell, Cell: event})
}

// OnKernelEvent publishes a kernel event.
func (b *Bus) OnKernelEvent(event schema.KernelEvent) {
	b.publish(Event{Type: EventKernel, Kernel: event})
}

// OnOutputEvent publishes an output event.
func (b *Bus) OnOutputEvent(event schema.OutputEvent) {
	b.publish(Event{Type: EventOutput, Output: event})
}

// OnNotification publishes a notification.
func (b *Bus) OnNotification(event schema.Notification) {
	b.publish(Event{Type: EventNotification, Notification: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	notebookID := event.NotebookID()
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	deliver := func(subs map[chan Event]struct{}) {
		for sub := range subs {
			select {
			case sub <- event:
			default:
				dropped++
			}
		}
	}
	if notebookID == "" {
		for _, subs := range b.subs {
			deliver(subs)
		}
	} else {
		deliver(b.subs[notebookID])
	}
	if dropped > 0 {
		b.log.With("notebook", notebookID).Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
