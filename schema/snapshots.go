package schema

// KernelStatus is the connection status of the kernel session.
type KernelStatus string

const (
	// KernelOffline indicates no kernel session.
	KernelOffline KernelStatus = "offline"
	// KernelConnecting indicates a connection attempt is in flight.
	KernelConnecting KernelStatus = "connecting"
	// KernelReconnecting indicates the kernel reported a transient disconnect.
	KernelReconnecting KernelStatus = "reconnecting"
	// KernelIdle indicates the kernel is ready.
	KernelIdle KernelStatus = "idle"
	// KernelBusy indicates the kernel is executing.
	KernelBusy KernelStatus = "busy"
)

// Connected reports whether the status represents a live session.
func (s KernelStatus) Connected() bool {
	return s == KernelIdle || s == KernelBusy || s == KernelReconnecting
}

// KernelReport is a status value reported by the remote kernel.
type KernelReport string

const (
	// ReportIdle indicates the kernel finished work.
	ReportIdle KernelReport = "idle"
	// ReportBusy indicates the kernel is working.
	ReportBusy KernelReport = "busy"
	// ReportUnknown indicates the connection to the kernel is interrupted.
	ReportUnknown KernelReport = "unknown"
	// ReportDead indicates the kernel is gone.
	ReportDead KernelReport = "dead"
	// ReportStarting indicates the kernel is booting.
	ReportStarting KernelReport = "starting"
)

// KernelSnapshot is a read-only view of the kernel session.
type KernelSnapshot struct {
	Status         KernelStatus
	GatewayURI     string
	RunningCell    CellID
	Queue          []CellID
	ExecutionCount int
	AutoConnect    bool
	EditingGateway bool
}

// CellSnapshot is a read-only view of a cell and its local bookkeeping.
type CellSnapshot struct {
	Cell    Cell
	Meta    CellMeta
	Pending bool
	Handle  PendingHandle
}

// NotebookSnapshot is a read-only view of the open notebook.
type NotebookSnapshot struct {
	Notebook   Notebook
	Cells      []CellSnapshot
	ActiveCell CellID
	ViewedUser UserID
}
