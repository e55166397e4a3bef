package core

import (
	"slices"

	"pkt.systems/nbsync/schema"
)

// RunQueue is the FIFO of cells awaiting execution plus the running marker.
// A cell id appears at most once.
type RunQueue struct {
	items   []schema.CellID
	running schema.CellID
}

// Enqueue appends id to the tail, moving it when already queued. Enqueueing
// the running cell is a no-op.
func (q *RunQueue) Enqueue(id schema.CellID) bool {
	if id == "" || id == q.running {
		return false
	}
	q.Remove(id)
	q.items = append(q.items, id)
	return true
}

// Remove drops id from the queue.
func (q *RunQueue) Remove(id schema.CellID) bool {
	i := slices.Index(q.items, id)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// Next pops the head of the queue.
func (q *RunQueue) Next() (schema.CellID, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// Clear empties the queue and returns the dropped ids.
func (q *RunQueue) Clear() []schema.CellID {
	dropped := q.items
	q.items = nil
	return dropped
}

// Items returns a copy of the queued ids.
func (q *RunQueue) Items() []schema.CellID {
	return append([]schema.CellID(nil), q.items...)
}

// Len returns the number of queued cells.
func (q *RunQueue) Len() int {
	return len(q.items)
}

// Contains reports whether id is queued.
func (q *RunQueue) Contains(id schema.CellID) bool {
	return slices.Contains(q.items, id)
}

// Running returns the executing cell, or "" when none is.
func (q *RunQueue) Running() schema.CellID {
	return q.running
}

// SetRunning marks id as executing.
func (q *RunQueue) SetRunning(id schema.CellID) {
	q.running = id
}

// ClearRunning clears the running marker.
func (q *RunQueue) ClearRunning() {
	q.running = ""
}
