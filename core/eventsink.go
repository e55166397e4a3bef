package core

import "pkt.systems/nbsync/schema"

// EventSink receives cell, kernel, output, and notification events from the client.
type EventSink interface {
	OnCellEvent(event schema.CellEvent)
	OnKernelEvent(event schema.KernelEvent)
	OnOutputEvent(event schema.OutputEvent)
	OnNotification(event schema.Notification)
}
