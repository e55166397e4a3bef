package core

import (
	"context"

	"pkt.systems/nbsync/schema"
)

// NotebookService is the remote notebook service. Mutating requests are
// fire-and-forget: their results arrive as push events.
type NotebookService interface {
	OpenNotebook(ctx context.Context, req schema.OpenNotebookRequest) error
	GetNotebookContents(ctx context.Context, notebookID schema.NotebookID) (schema.NotebookContents, error)
	CreateNotebook(ctx context.Context, req schema.CreateNotebookRequest) (schema.Notebook, error)
	CreateCell(ctx context.Context, req schema.CreateCellRequest) error
	DeleteCell(ctx context.Context, req schema.DeleteCellRequest) error
	LockCell(ctx context.Context, req schema.LockCellRequest) error
	UnlockCell(ctx context.Context, req schema.UnlockCellRequest) error
	EditCell(ctx context.Context, req schema.EditCellRequest) error
	PublishOutputs(ctx context.Context, req schema.PublishOutputsRequest) error
	LeaveNotebook(ctx context.Context, req schema.LeaveNotebookRequest) error
	Events() PushStream
}

// PushStream yields events pushed by the notebook service.
type PushStream interface {
	Next(ctx context.Context) (schema.PushEvent, error)
	Close() error
}

// KernelConnector opens kernel sessions on a gateway.
type KernelConnector interface {
	Connect(ctx context.Context, req ConnectRequest) (Kernel, error)
}

// ConnectRequest describes a kernel connection attempt.
type ConnectRequest struct {
	GatewayURI string
	Token      string
	KernelName string
}

// Kernel is a live kernel session. It is owned by exactly one client.
type Kernel interface {
	ID() string
	Execute(ctx context.Context, code string) (Execution, error)
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status() StatusStream
	Close() error
}

// StatusStream yields kernel status reports.
type StatusStream interface {
	Next(ctx context.Context) (schema.KernelReport, error)
	Close() error
}

// Execution is a cancellable subscription to one execute request. Next
// returns io.EOF once the execution is done. Cancel releases the
// subscription and is safe to call more than once.
type Execution interface {
	Next(ctx context.Context) (ExecMessage, error)
	Cancel()
}

// ExecMessageKind classifies messages of an execution.
type ExecMessageKind string

const (
	// ExecInput carries the execution count assigned by the kernel.
	ExecInput ExecMessageKind = "execute_input"
	// ExecOutput carries one output chunk.
	ExecOutput ExecMessageKind = "output"
	// ExecReply carries the final status of the execution.
	ExecReply ExecMessageKind = "execute_reply"
)

// ExecStatus is the final status reported by the kernel.
type ExecStatus string

const (
	// ExecStatusOK indicates the code ran to completion.
	ExecStatusOK ExecStatus = "ok"
	// ExecStatusError indicates the code raised.
	ExecStatusError ExecStatus = "error"
	// ExecStatusAborted indicates the kernel skipped the request.
	ExecStatusAborted ExecStatus = "aborted"
)

// ExecMessage is one message of an execution. Index orders output chunks.
type ExecMessage struct {
	Kind           ExecMessageKind
	ExecutionCount int
	Index          int
	Output         schema.OutputPayload
	Status         ExecStatus
	ErrorName      string
	ErrorValue     string
}
