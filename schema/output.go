package schema

// OutputType is the kind of a kernel output message.
type OutputType string

const (
	// OutputStream is text written to stdout or stderr.
	OutputStream OutputType = "stream"
	// OutputExecuteResult is the value of the last expression.
	OutputExecuteResult OutputType = "execute_result"
	// OutputDisplayData is rich display output.
	OutputDisplayData OutputType = "display_data"
	// OutputError is an exception raised by the executed code.
	OutputError OutputType = "error"
)

// OutputPayload is the content of one kernel output chunk.
type OutputPayload struct {
	Type      OutputType        `json:"output_type" cbor:"1,keyasint"`
	Name      string            `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
	Text      string            `json:"text,omitempty" cbor:"3,keyasint,omitempty"`
	Data      map[string]string `json:"data,omitempty" cbor:"4,keyasint,omitempty"`
	EName     string            `json:"ename,omitempty" cbor:"5,keyasint,omitempty"`
	EValue    string            `json:"evalue,omitempty" cbor:"6,keyasint,omitempty"`
	Traceback []string          `json:"traceback,omitempty" cbor:"7,keyasint,omitempty"`
}

// KernelOutput is an output chunk addressed by cell, kernel owner, and run.
// MessageIndex orders chunks within one run.
type KernelOutput struct {
	CellID       CellID        `json:"cell_id"`
	UserID       UserID        `json:"uid"`
	RunIndex     int           `json:"run_index"`
	MessageIndex int           `json:"message_index"`
	Payload      OutputPayload `json:"payload"`
}

// LogResult classifies a kernel log entry.
type LogResult string

const (
	// LogSuccess marks a run that completed.
	LogSuccess LogResult = "success"
	// LogError marks a run that failed.
	LogError LogResult = "error"
)

// KernelLogEntry records the outcome of one run.
type KernelLogEntry struct {
	Time     int64     `json:"time"`
	CellID   CellID    `json:"cell_id"`
	RunIndex int       `json:"run_index"`
	Result   LogResult `json:"result"`
	Message  string    `json:"message,omitempty"`
}
