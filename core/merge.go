package core

import "pkt.systems/nbsync/schema"

// MergeCell resolves a confirmation from the notebook service against the
// local record and reports whether the local record changed.
//
// A self-originated confirmation never overwrites local content: the local
// optimistic state may already be newer than the echo. Only TimeModified is
// advanced. A collaborator's confirmation replaces the local content only
// when its TimeModified is strictly newer.
//
// The run index and lock holder are never taken from a confirmation. The run
// index belongs to the local kernel and lock ownership is driven by lock
// confirmations alone.
func MergeCell(local, incoming schema.Cell, isSelf bool) (schema.Cell, bool) {
	if isSelf {
		if incoming.TimeModified > local.TimeModified {
			local.TimeModified = incoming.TimeModified
			return local, true
		}
		return local, false
	}
	if incoming.TimeModified <= local.TimeModified {
		return local, false
	}
	merged := incoming.Clone()
	merged.ID = local.ID
	if merged.NotebookID == "" {
		merged.NotebookID = local.NotebookID
	}
	merged.RunIndex = local.RunIndex
	merged.LockHeldBy = local.LockHeldBy
	return merged, true
}
