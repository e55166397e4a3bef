package core

import "pkt.systems/nbsync/schema"

// CellRef addresses a cell that is either awaiting confirmation of its
// creation or confirmed with a service-assigned id. The two states are
// distinct values; a pending ref is replaced, never rewritten.
type CellRef struct {
	handle schema.PendingHandle
	id     schema.CellID
}

// PendingRef returns a reference to a cell whose creation is in flight.
func PendingRef(handle schema.PendingHandle) CellRef {
	return CellRef{handle: handle}
}

// ConfirmedRef returns a reference to a confirmed cell.
func ConfirmedRef(id schema.CellID) CellRef {
	return CellRef{id: id}
}

// Pending reports whether the cell is still awaiting confirmation.
func (r CellRef) Pending() bool {
	return r.id == ""
}

// Handle returns the pending handle, if any.
func (r CellRef) Handle() (schema.PendingHandle, bool) {
	return r.handle, r.id == "" && r.handle != ""
}

// ID returns the confirmed cell id, if any.
func (r CellRef) ID() (schema.CellID, bool) {
	return r.id, r.id != ""
}

func (r CellRef) String() string {
	if r.id != "" {
		return string(r.id)
	}
	return string(r.handle)
}

type pendingCell struct {
	handle   schema.PendingHandle
	language schema.Language
	index    int
}
