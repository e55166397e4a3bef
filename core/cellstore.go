package core

import (
	"slices"

	"pkt.systems/nbsync/schema"
)

// queueRemover drops a cell from the run queue.
type queueRemover interface {
	Remove(id schema.CellID) bool
}

type cellEntry struct {
	cell schema.Cell
	meta schema.CellMeta
}

// CellStore is the client-side model of the open notebook. It is the only
// mutator of cell records. It does no locking of its own; the owning client
// serializes access.
type CellStore struct {
	notebook schema.Notebook
	cells    map[schema.CellID]*cellEntry
	pending  []pendingCell
	queue    queueRemover
}

// NewCellStore returns an empty store. The queue hook may be nil.
func NewCellStore(queue queueRemover) *CellStore {
	return &CellStore{
		cells: make(map[schema.CellID]*cellEntry),
		queue: queue,
	}
}

// Load replaces the store with the contents of a notebook.
func (s *CellStore) Load(contents schema.NotebookContents) {
	s.notebook = contents.Notebook
	s.notebook.CellOrder = nil
	s.notebook.Collaborators = make(map[schema.UserID]schema.Collaborator, len(contents.Notebook.Collaborators))
	for uid, collab := range contents.Notebook.Collaborators {
		if collab.UserID == "" {
			collab.UserID = uid
		}
		s.notebook.Collaborators[uid] = collab
	}
	s.cells = make(map[schema.CellID]*cellEntry, len(contents.Cells))
	s.pending = nil
	for _, cell := range contents.Cells {
		if cell.ID == "" {
			continue
		}
		if cell.NotebookID == "" {
			cell.NotebookID = contents.Notebook.ID
		}
		s.cells[cell.ID] = &cellEntry{cell: cell.Clone()}
	}
	order := contents.Notebook.CellOrder
	if len(order) == 0 {
		for _, cell := range contents.Cells {
			order = append(order, cell.ID)
		}
	}
	for _, id := range order {
		if _, ok := s.cells[id]; ok && !slices.Contains(s.notebook.CellOrder, id) {
			s.notebook.CellOrder = append(s.notebook.CellOrder, id)
		}
	}
}

// Reset empties the store.
func (s *CellStore) Reset() {
	s.notebook = schema.Notebook{}
	s.cells = make(map[schema.CellID]*cellEntry)
	s.pending = nil
}

// Notebook returns a copy of the notebook record.
func (s *CellStore) Notebook() schema.Notebook {
	nb := s.notebook
	nb.CellOrder = append([]schema.CellID(nil), s.notebook.CellOrder...)
	nb.Collaborators = make(map[schema.UserID]schema.Collaborator, len(s.notebook.Collaborators))
	for uid, collab := range s.notebook.Collaborators {
		nb.Collaborators[uid] = collab
	}
	return nb
}

// Cell returns a copy of a cell.
func (s *CellStore) Cell(id schema.CellID) (schema.Cell, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.Cell{}, false
	}
	return entry.cell.Clone(), true
}

// Meta returns the local bookkeeping of a cell.
func (s *CellStore) Meta(id schema.CellID) (schema.CellMeta, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.CellMeta{}, false
	}
	return entry.meta, true
}

// Order returns the cell ids in display order.
func (s *CellStore) Order() []schema.CellID {
	return append([]schema.CellID(nil), s.notebook.CellOrder...)
}

// Cells returns snapshots of confirmed cells in display order followed by
// pending creations.
func (s *CellStore) Cells() []schema.CellSnapshot {
	out := make([]schema.CellSnapshot, 0, len(s.notebook.CellOrder)+len(s.pending))
	for _, id := range s.notebook.CellOrder {
		entry := s.cells[id]
		if entry == nil {
			continue
		}
		out = append(out, schema.CellSnapshot{Cell: entry.cell.Clone(), Meta: entry.meta})
	}
	for _, p := range s.pending {
		out = append(out, schema.CellSnapshot{
			Cell:    schema.Cell{NotebookID: s.notebook.ID, Language: p.language, RunIndex: schema.NeverRun},
			Pending: true,
			Handle:  p.handle,
		})
	}
	return out
}

// ApplyLocalEdit applies an optimistic edit. TimeModified is left to the
// notebook service. It reports whether the cell was dropped from the run
// queue because its language stopped being executable.
func (s *CellStore) ApplyLocalEdit(id schema.CellID, change schema.CellChange, meta schema.CellMetaChange) (schema.Cell, bool, error) {
	entry := s.cells[id]
	if entry == nil {
		return schema.Cell{}, false, schema.ErrCellNotFound
	}
	if change.Language != nil {
		entry.cell.Language = *change.Language
	}
	if change.Contents != nil {
		entry.cell.Contents = *change.Contents
	}
	if change.ClearCursor {
		entry.cell.Cursor = nil
	}
	if change.Cursor != nil {
		cursor := *change.Cursor
		entry.cell.Cursor = &cursor
	}
	if change.Rendered != nil {
		entry.cell.Rendered = *change.Rendered
	}
	applyMeta(&entry.meta, meta)
	dequeued := false
	if change.Language != nil {
		dequeued = s.removeCellFromRunQueueIfNonExecutable(id)
	}
	return entry.cell.Clone(), dequeued, nil
}

// ApplyRemoteConfirmation merges a cell record confirmed by the notebook
// service. It reports whether the record changed and whether the cell was
// dropped from the run queue.
func (s *CellStore) ApplyRemoteConfirmation(incoming schema.Cell, isSelf bool) (schema.Cell, bool, bool) {
	entry := s.cells[incoming.ID]
	if entry == nil {
		return schema.Cell{}, false, false
	}
	merged, changed := MergeCell(entry.cell, incoming, isSelf)
	entry.cell = merged
	if isSelf && entry.meta.Editing {
		entry.meta.Editing = false
		changed = true
	}
	dequeued := false
	if changed {
		dequeued = s.removeCellFromRunQueueIfNonExecutable(incoming.ID)
	}
	return entry.cell.Clone(), changed, dequeued
}

func (s *CellStore) removeCellFromRunQueueIfNonExecutable(id schema.CellID) bool {
	entry := s.cells[id]
	if entry == nil || s.queue == nil {
		return false
	}
	if entry.cell.Language.Executable() {
		return false
	}
	return s.queue.Remove(id)
}

// SetMeta updates local bookkeeping of a cell.
func (s *CellStore) SetMeta(id schema.CellID, change schema.CellMetaChange) (schema.CellMeta, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.CellMeta{}, false
	}
	applyMeta(&entry.meta, change)
	return entry.meta, true
}

func applyMeta(meta *schema.CellMeta, change schema.CellMetaChange) {
	if change.Editing != nil {
		meta.Editing = *change.Editing
	}
	if change.Locking != nil {
		meta.Locking = *change.Locking
	}
	if change.Unlocking != nil {
		meta.Unlocking = *change.Unlocking
	}
}

// SetLockHolder records the lock holder of a cell. An empty uid releases it.
func (s *CellStore) SetLockHolder(id schema.CellID, uid schema.UserID) (schema.Cell, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.Cell{}, false
	}
	entry.cell.LockHeldBy = uid
	if uid == "" {
		entry.cell.Cursor = nil
	}
	return entry.cell.Clone(), true
}

// LockedBy returns the cells whose lock is held by uid, in display order.
func (s *CellStore) LockedBy(uid schema.UserID) []schema.CellID {
	var out []schema.CellID
	for _, id := range s.notebook.CellOrder {
		if entry := s.cells[id]; entry != nil && entry.cell.LockHeldBy == uid {
			out = append(out, id)
		}
	}
	return out
}

// UpdateRunIndex records the run index assigned by the kernel.
func (s *CellStore) UpdateRunIndex(id schema.CellID, runIndex int) (schema.Cell, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.Cell{}, false
	}
	entry.cell.RunIndex = runIndex
	return entry.cell.Clone(), true
}

// ResetRunIndices marks every cell as never run.
func (s *CellStore) ResetRunIndices() {
	for _, entry := range s.cells {
		entry.cell.RunIndex = schema.NeverRun
	}
}

// AddPending records a creation request that awaits confirmation.
func (s *CellStore) AddPending(handle schema.PendingHandle, language schema.Language, index int) CellRef {
	s.pending = append(s.pending, pendingCell{handle: handle, language: language, index: index})
	return PendingRef(handle)
}

// DropPending forgets a creation request that failed.
func (s *CellStore) DropPending(handle schema.PendingHandle) bool {
	for i, p := range s.pending {
		if p.handle == handle {
			s.pending = slices.Delete(s.pending, i, i+1)
			return true
		}
	}
	return false
}

// PendingCount returns the number of unconfirmed creations.
func (s *CellStore) PendingCount() int {
	return len(s.pending)
}

// ConfirmCreated inserts a confirmed cell at index and resolves the pending
// entry carrying handle, if any. An index of InsertAtEnd or past the end
// appends.
func (s *CellStore) ConfirmCreated(handle schema.PendingHandle, cell schema.Cell, index int) CellRef {
	if handle != "" {
		s.DropPending(handle)
	}
	if cell.NotebookID == "" {
		cell.NotebookID = s.notebook.ID
	}
	if _, exists := s.cells[cell.ID]; exists {
		s.cells[cell.ID].cell = cell.Clone()
		return ConfirmedRef(cell.ID)
	}
	s.cells[cell.ID] = &cellEntry{cell: cell.Clone()}
	order := s.notebook.CellOrder
	if index == schema.InsertAtEnd || index < 0 || index >= len(order) {
		s.notebook.CellOrder = append(order, cell.ID)
	} else {
		s.notebook.CellOrder = slices.Insert(order, index, cell.ID)
	}
	return ConfirmedRef(cell.ID)
}

// Remove deletes a cell from the store and the notebook order.
func (s *CellStore) Remove(id schema.CellID) (schema.Cell, bool) {
	entry := s.cells[id]
	if entry == nil {
		return schema.Cell{}, false
	}
	delete(s.cells, id)
	if i := slices.Index(s.notebook.CellOrder, id); i >= 0 {
		s.notebook.CellOrder = slices.Delete(s.notebook.CellOrder, i, i+1)
	}
	return entry.cell, true
}

// Collaborator returns the access record of a user.
func (s *CellStore) Collaborator(uid schema.UserID) (schema.Collaborator, bool) {
	collab, ok := s.notebook.Collaborators[uid]
	return collab, ok
}

// AccessLevel returns the access level of a user.
func (s *CellStore) AccessLevel(uid schema.UserID) (schema.AccessLevel, bool) {
	collab, ok := s.Collaborator(uid)
	if !ok {
		return "", false
	}
	return collab.Access, true
}

// CanEdit reports whether uid may mutate the notebook. Users without an
// access record are not restricted; the notebook service remains the
// authority.
func (s *CellStore) CanEdit(uid schema.UserID) bool {
	level, ok := s.AccessLevel(uid)
	return !ok || level != schema.AccessReadOnly
}

// PutCollaborator adds or replaces an access record.
func (s *CellStore) PutCollaborator(collab schema.Collaborator) {
	if collab.UserID == "" {
		return
	}
	if s.notebook.Collaborators == nil {
		s.notebook.Collaborators = make(map[schema.UserID]schema.Collaborator)
	}
	s.notebook.Collaborators[collab.UserID] = collab
}
