package schema

// Notebook lifecycle.

// OpenNotebookRequest describes a request to join a notebook session.
type OpenNotebookRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
}

// CreateNotebookRequest describes a request to create a notebook.
type CreateNotebookRequest struct {
	Name string `json:"name"`
}

// LeaveNotebookRequest describes a request to leave a notebook session.
type LeaveNotebookRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
}

// Cell lifecycle.

// CreateCellRequest describes a request to create a cell. Handle is echoed by
// the cell_created push event so the pending entry can be resolved.
type CreateCellRequest struct {
	NotebookID NotebookID    `json:"notebook_id"`
	Language   Language      `json:"language,omitempty"`
	Index      int           `json:"index"`
	Handle     PendingHandle `json:"handle,omitempty"`
}

// DeleteCellRequest describes a request to delete a cell.
type DeleteCellRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
	CellID     CellID     `json:"cell_id"`
}

// Locking.

// LockCellRequest describes a request to acquire a cell lock.
type LockCellRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
	CellID     CellID     `json:"cell_id"`
}

// UnlockCellRequest describes a request to release a cell lock.
type UnlockCellRequest struct {
	NotebookID NotebookID `json:"notebook_id"`
	CellID     CellID     `json:"cell_id"`
}

// Editing.

// EditCellRequest describes a cell content delta.
type EditCellRequest struct {
	NotebookID NotebookID      `json:"notebook_id"`
	CellID     CellID          `json:"cell_id"`
	Language   *Language       `json:"language,omitempty"`
	Contents   *string         `json:"contents,omitempty"`
	Cursor     *CursorPosition `json:"cursor,omitempty"`
	Rendered   *bool           `json:"rendered,omitempty"`
}

// EditRequestFromChange builds an edit request from a local change.
func EditRequestFromChange(notebookID NotebookID, cellID CellID, change CellChange) EditCellRequest {
	return EditCellRequest{
		NotebookID: notebookID,
		CellID:     cellID,
		Language:   change.Language,
		Contents:   change.Contents,
		Cursor:     change.Cursor,
		Rendered:   change.Rendered,
	}
}

// Outputs.

// PublishOutputsRequest broadcasts local kernel outputs to collaborators.
type PublishOutputsRequest struct {
	NotebookID NotebookID     `json:"notebook_id"`
	Outputs    []KernelOutput `json:"outputs"`
}
