package core

import "pkt.systems/nbsync/schema"

// LockCoordinator tracks cell ownership. The notebook service is the
// authority on locks: requests only mark local intent, and ownership changes
// only when a confirmation arrives.
type LockCoordinator struct {
	self      schema.UserID
	store     *CellStore
	acquiring schema.CellID
	active    schema.CellID
}

// NewLockCoordinator returns a coordinator for the local user.
func NewLockCoordinator(self schema.UserID, store *CellStore) *LockCoordinator {
	return &LockCoordinator{self: self, store: store}
}

// Reset forgets pending requests and the active cell.
func (l *LockCoordinator) Reset() {
	l.acquiring = ""
	l.active = ""
}

// Active returns the cell selected for execution.
func (l *LockCoordinator) Active() schema.CellID {
	return l.active
}

// Select marks a cell as active.
func (l *LockCoordinator) Select(id schema.CellID) error {
	if _, ok := l.store.Cell(id); !ok {
		return schema.ErrCellNotFound
	}
	l.active = id
	return nil
}

// Acquiring returns the cell whose lock request is in flight.
func (l *LockCoordinator) Acquiring() (schema.CellID, bool) {
	return l.acquiring, l.acquiring != ""
}

// Held returns the cell locked by the local user.
func (l *LockCoordinator) Held() (schema.CellID, bool) {
	held := l.store.LockedBy(l.self)
	if len(held) == 0 {
		return "", false
	}
	return held[0], true
}

// RequestLock marks a lock request on id and reports whether it should be
// sent. The local user may own or acquire one cell at a time. A lock holder
// cached on the target is only a hint: the request is still sent.
func (l *LockCoordinator) RequestLock(id schema.CellID) (bool, error) {
	cell, ok := l.store.Cell(id)
	if !ok {
		return false, schema.ErrCellNotFound
	}
	if cell.LockHeldBy == l.self {
		return false, nil
	}
	for _, held := range l.store.LockedBy(l.self) {
		if held != id {
			return false, schema.ErrLockAlreadyHeld
		}
	}
	if l.acquiring != "" && l.acquiring != id {
		return false, schema.ErrLockAlreadyHeld
	}
	l.acquiring = id
	l.store.SetMeta(id, schema.CellMetaChange{Locking: boolPtr(true)})
	return true, nil
}

// OnLockConfirmed applies a lock grant. The last confirmation wins. A grant
// to the local user settles any pending request, even one for another cell,
// and selects the granted cell. A grant to anyone else changes the displayed
// owner and ends a pending request of ours on that cell.
func (l *LockCoordinator) OnLockConfirmed(id schema.CellID, uid schema.UserID) (schema.Cell, bool) {
	cell, ok := l.store.SetLockHolder(id, uid)
	if !ok {
		return schema.Cell{}, false
	}
	if uid == l.self {
		l.clearAcquiring()
		l.store.SetMeta(id, schema.CellMetaChange{Locking: boolPtr(false)})
		l.active = id
	} else if l.acquiring == id {
		l.clearAcquiring()
	}
	return cell, true
}

func (l *LockCoordinator) clearAcquiring() {
	if l.acquiring == "" {
		return
	}
	l.store.SetMeta(l.acquiring, schema.CellMetaChange{Locking: boolPtr(false)})
	l.acquiring = ""
}

// RequestUnlock marks an unlock request on id. Only the holder may unlock.
func (l *LockCoordinator) RequestUnlock(id schema.CellID) error {
	cell, ok := l.store.Cell(id)
	if !ok {
		return schema.ErrCellNotFound
	}
	if cell.LockHeldBy != l.self {
		return schema.ErrNotLockHolder
	}
	l.store.SetMeta(id, schema.CellMetaChange{Unlocking: boolPtr(true)})
	return nil
}

// OnUnlockConfirmed applies a lock release by uid. A release is ignored when
// the lock has since been granted to somebody else.
func (l *LockCoordinator) OnUnlockConfirmed(id schema.CellID, uid schema.UserID) (schema.Cell, bool) {
	cell, ok := l.store.Cell(id)
	if !ok {
		return schema.Cell{}, false
	}
	if uid == l.self {
		l.store.SetMeta(id, schema.CellMetaChange{Locking: boolPtr(false), Unlocking: boolPtr(false)})
	}
	if cell.LockHeldBy != "" && cell.LockHeldBy != uid {
		return cell, false
	}
	return l.store.SetLockHolder(id, "")
}

// OnRejected clears in-flight flags after the notebook service refused a
// lock or unlock request.
func (l *LockCoordinator) OnRejected(id schema.CellID) bool {
	if l.acquiring == id {
		l.acquiring = ""
	}
	_, ok := l.store.SetMeta(id, schema.CellMetaChange{Locking: boolPtr(false), Unlocking: boolPtr(false)})
	return ok
}

// ReleaseAll releases every lock held by uid locally, without waiting for
// the notebook service. It returns the released cells.
func (l *LockCoordinator) ReleaseAll(uid schema.UserID) []schema.Cell {
	var released []schema.Cell
	for _, id := range l.store.LockedBy(uid) {
		if cell, ok := l.store.SetLockHolder(id, ""); ok {
			released = append(released, cell)
		}
		if uid == l.self {
			l.store.SetMeta(id, schema.CellMetaChange{Locking: boolPtr(false), Unlocking: boolPtr(false), Editing: boolPtr(false)})
		}
	}
	if uid == l.self {
		l.clearAcquiring()
	}
	return released
}

func boolPtr(v bool) *bool {
	return &v
}
