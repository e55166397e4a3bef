package schema

// PushEventType is the type of an event pushed by the notebook service.
type PushEventType string

const (
	// PushCellCreated confirms a cell creation.
	PushCellCreated PushEventType = "cell_created"
	// PushCellLocked confirms a lock grant.
	PushCellLocked PushEventType = "cell_locked"
	// PushCellUnlocked confirms a lock release.
	PushCellUnlocked PushEventType = "cell_unlocked"
	// PushCellEdited confirms a cell edit.
	PushCellEdited PushEventType = "cell_edited"
	// PushCellDeleted confirms a cell deletion.
	PushCellDeleted PushEventType = "cell_deleted"
	// PushOutputs carries kernel outputs broadcast by a collaborator.
	PushOutputs PushEventType = "outputs"
	// PushUserJoined announces a collaborator opening the notebook.
	PushUserJoined PushEventType = "user_joined"
	// PushUserLeft announces a collaborator leaving the notebook.
	PushUserLeft PushEventType = "user_left"
	// PushRejected reports that a fire-and-forget request was refused.
	PushRejected PushEventType = "rejected"
)

// PushEvent is a message from the notebook service. Origin is the user whose
// request produced the event.
type PushEvent struct {
	Type       PushEventType  `json:"type"`
	NotebookID NotebookID     `json:"notebook_id"`
	Origin     UserID         `json:"origin_uid,omitempty"`
	Cell       *Cell          `json:"cell,omitempty"`
	CellID     CellID         `json:"cell_id,omitempty"`
	Index      int            `json:"index,omitempty"`
	Handle     PendingHandle  `json:"handle,omitempty"`
	Outputs    []KernelOutput `json:"outputs,omitempty"`
	User       *Collaborator  `json:"user,omitempty"`
	Request    string         `json:"request,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// TargetCell returns the cell id the event refers to.
func (e PushEvent) TargetCell() CellID {
	if e.Cell != nil && e.Cell.ID != "" {
		return e.Cell.ID
	}
	return e.CellID
}
