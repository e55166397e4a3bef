package notebookws

import (
	"encoding/json"

	"pkt.systems/nbsync/schema"
)

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Request methods understood by the notebook service.
const (
	MethodOpenNotebook        = "open_notebook"
	MethodGetNotebookContents = "get_notebook_contents"
	MethodCreateNotebook      = "create_notebook"
	MethodCreateCell          = "create_cell"
	MethodDeleteCell          = "delete_cell"
	MethodLockCell            = "lock_cell"
	MethodUnlockCell          = "unlock_cell"
	MethodEditCell            = "edit_cell"
	MethodPublishOutputs      = "publish_outputs"
	MethodLeaveNotebook       = "leave_notebook"
)

// Envelope is one frame on the notebook service websocket. Requests that
// expect an answer carry an id which the matching response echoes.
type Envelope struct {
	Kind    string            `json:"kind"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Error   *WireError        `json:"error,omitempty"`
	Event   *schema.PushEvent `json:"event,omitempty"`
}

// WireError is a failed response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type notebookIDPayload struct {
	NotebookID schema.NotebookID `json:"notebook_id"`
}
