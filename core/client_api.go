package core

import (
	"context"

	"pkt.systems/nbsync/schema"
)

// Client is the transport-agnostic API of a collaborative notebook session:
// cells, locks, the run queue, the kernel session, and outputs.
type Client interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error

	OpenNotebook(ctx context.Context, notebookID schema.NotebookID) (schema.NotebookSnapshot, error)
	CreateNotebook(ctx context.Context, name string) (schema.Notebook, error)
	LeaveNotebook(ctx context.Context) error
	Snapshot() schema.NotebookSnapshot

	AddCell(ctx context.Context, language schema.Language, index int) (CellRef, error)
	DeleteCell(ctx context.Context, cellID schema.CellID) error
	EditCell(ctx context.Context, cellID schema.CellID, change schema.CellChange) error
	LockCell(ctx context.Context, cellID schema.CellID) error
	UnlockCell(ctx context.Context, cellID schema.CellID) error
	SelectCell(ctx context.Context, cellID schema.CellID) error

	Enqueue(ctx context.Context, cellIDs ...schema.CellID) error
	ConnectKernel(ctx context.Context) error
	DisconnectKernel(ctx context.Context) error
	InterruptKernel(ctx context.Context) error
	RestartKernel(ctx context.Context) error
	SetAutoConnect(ctx context.Context, enabled bool)
	BeginGatewayEdit(ctx context.Context)
	EndGatewayEdit(ctx context.Context, uri, token string)
	Kernel() schema.KernelSnapshot
	KernelLog() []schema.KernelLogEntry

	SelectViewedUser(ctx context.Context, userID schema.UserID)
	DisplayedOutputs(cellID schema.CellID) (int, []schema.OutputPayload, error)
	OutputRuns(cellID schema.CellID, userID schema.UserID) []int
	Outputs(cellID schema.CellID, userID schema.UserID, runIndex int) []schema.OutputPayload
}
