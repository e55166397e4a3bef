package nbsync

import (
	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnCellEvent(event schema.CellEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnCellEvent(event)
	}
}

func (f eventFanout) OnKernelEvent(event schema.KernelEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnKernelEvent(event)
	}
}

func (f eventFanout) OnOutputEvent(event schema.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnOutputEvent(event)
	}
}

func (f eventFanout) OnNotification(event schema.Notification) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnNotification(event)
	}
}
