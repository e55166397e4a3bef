package schema

// CellEventType describes a change to a cell or the cell order.
type CellEventType string

const (
	// CellEventCreated indicates a confirmed cell was inserted.
	CellEventCreated CellEventType = "created"
	// CellEventPending indicates a cell creation request is in flight.
	CellEventPending CellEventType = "pending"
	// CellEventUpdated indicates cell contents or metadata changed.
	CellEventUpdated CellEventType = "updated"
	// CellEventDeleted indicates a cell was removed.
	CellEventDeleted CellEventType = "deleted"
	// CellEventLocked indicates lock ownership changed.
	CellEventLocked CellEventType = "locked"
	// CellEventUnlocked indicates a lock was released.
	CellEventUnlocked CellEventType = "unlocked"
	// CellEventSelected indicates the active cell changed.
	CellEventSelected CellEventType = "selected"
	// CellEventReset indicates every cell was reset, as after a notebook load or kernel restart.
	CellEventReset CellEventType = "reset"
)

// CellEvent represents a change visible to cell views.
type CellEvent struct {
	NotebookID NotebookID
	Type       CellEventType
	Cell       Cell
	Handle     PendingHandle
	Meta       CellMeta
}

// KernelEvent represents a kernel status or queue change.
type KernelEvent struct {
	NotebookID     NotebookID
	Status         KernelStatus
	RunningCell    CellID
	Queue          []CellID
	ExecutionCount int
}

// OutputEvent represents new or replaced outputs for a cell run.
type OutputEvent struct {
	NotebookID NotebookID
	CellID     CellID
	UserID     UserID
	RunIndex   int
	Outputs    []OutputPayload
}

// Severity classifies a notification.
type Severity string

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
	// SeveritySuccess reports a recovered or completed action.
	SeveritySuccess Severity = "success"
	// SeverityWarning reports a transient problem.
	SeverityWarning Severity = "warning"
	// SeverityError reports a failure.
	SeverityError Severity = "error"
)

// Notification is a transient user-visible message.
type Notification struct {
	NotebookID NotebookID
	Severity   Severity
	Message    string
}
