package schema

// UserID identifies a collaborator.
type UserID string

// NotebookID identifies a notebook on the notebook service.
type NotebookID string

// CellID identifies a confirmed cell. Ids are assigned by the notebook service.
type CellID string

// PendingHandle is a client-generated handle for a cell whose creation has
// not yet been confirmed by the notebook service.
type PendingHandle string

// Language is the content language of a cell.
type Language string

const (
	// LanguagePython marks an executable code cell.
	LanguagePython Language = "python"
	// LanguageMarkdown marks a markdown cell.
	LanguageMarkdown Language = "markdown"
)

// Executable reports whether cells of this language are submitted to the kernel.
func (l Language) Executable() bool {
	return l == LanguagePython
}

// NeverRun is the run index of a cell that has not been executed.
const NeverRun = -1

// InsertAtEnd is the insertion index that appends a cell to the notebook.
const InsertAtEnd = -1

// CursorPosition is the last known caret of the lock holder.
type CursorPosition struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Cell is a unit of notebook content.
type Cell struct {
	ID           CellID          `json:"cell_id"`
	NotebookID   NotebookID      `json:"notebook_id"`
	Language     Language        `json:"language"`
	Contents     string          `json:"contents"`
	Cursor       *CursorPosition `json:"cursor_position,omitempty"`
	RunIndex     int             `json:"run_index"`
	Rendered     bool            `json:"rendered,omitempty"`
	LockHeldBy   UserID          `json:"lock_held_by,omitempty"`
	TimeModified int64           `json:"time_modified"`
}

// Clone returns a deep copy of the cell.
func (c Cell) Clone() Cell {
	if c.Cursor != nil {
		cursor := *c.Cursor
		c.Cursor = &cursor
	}
	return c
}

// CellChange is a partial edit. Nil fields are left unchanged.
type CellChange struct {
	Language    *Language
	Contents    *string
	Cursor      *CursorPosition
	ClearCursor bool
	Rendered    *bool
}

// Empty reports whether the change touches no field.
func (c CellChange) Empty() bool {
	return c.Language == nil && c.Contents == nil && c.Cursor == nil && !c.ClearCursor && c.Rendered == nil
}

// CellMeta is local-only bookkeeping attached to a cell.
type CellMeta struct {
	Editing   bool
	Locking   bool
	Unlocking bool
}

// CellMetaChange is a partial update of CellMeta.
type CellMetaChange struct {
	Editing   *bool
	Locking   *bool
	Unlocking *bool
}

// AccessLevel is a collaborator's permission on a notebook.
type AccessLevel string

const (
	// AccessReadOnly allows viewing only.
	AccessReadOnly AccessLevel = "read_only"
	// AccessFull allows editing and execution.
	AccessFull AccessLevel = "full_access"
)

// Collaborator is an access record on a notebook.
type Collaborator struct {
	UserID UserID      `json:"uid"`
	Name   string      `json:"name,omitempty"`
	Access AccessLevel `json:"access_level"`
}

// Notebook is the reduced notebook form held by the client.
type Notebook struct {
	ID            NotebookID              `json:"notebook_id"`
	Name          string                  `json:"name"`
	CellOrder     []CellID                `json:"cells"`
	Collaborators map[UserID]Collaborator `json:"users"`
	TimeModified  int64                   `json:"time_modified"`
}

// NotebookContents is the full payload returned when a notebook is opened.
type NotebookContents struct {
	Notebook Notebook `json:"notebook"`
	Cells    []Cell   `json:"cell_list"`
}
