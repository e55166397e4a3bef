package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrNotebookNotOpen indicates no notebook is open.
	ErrNotebookNotOpen = errors.New("no notebook open")
	// ErrCellNotFound indicates a requested cell could not be found.
	ErrCellNotFound = errors.New("cell not found")
	// ErrCellPending indicates the cell has not been confirmed by the notebook service yet.
	ErrCellPending = errors.New("cell creation pending")
	// ErrReadOnly indicates the local user only has read access.
	ErrReadOnly = errors.New("notebook is read only")
	// ErrLockAlreadyHeld indicates the local user already holds or is acquiring another lock.
	ErrLockAlreadyHeld = errors.New("another cell is already locked")
	// ErrNotLockHolder indicates the local user does not hold the lock.
	ErrNotLockHolder = errors.New("cell is not locked by you")
	// ErrKernelConnected indicates a kernel connection already exists.
	ErrKernelConnected = errors.New("kernel already connected")
	// ErrKernelNotConnected indicates no kernel connection is available.
	ErrKernelNotConnected = errors.New("kernel not connected")
	// ErrGatewayEditing indicates the gateway configuration is being edited.
	ErrGatewayEditing = errors.New("gateway configuration is being edited")
	// ErrGatewayMissing indicates no gateway uri is configured.
	ErrGatewayMissing = errors.New("gateway uri is not configured")
	// ErrNothingRunning indicates no cell is executing.
	ErrNothingRunning = errors.New("no cell is running")
	// ErrInvalidTransition indicates a kernel status transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid kernel transition")
)
