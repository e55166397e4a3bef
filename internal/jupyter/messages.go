package jupyter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/nbsync/schema"
)

const protocolVersion = "5.3"

type header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date"`
}

// message is a Jupyter wire message as carried over the kernel gateway
// websocket.
type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type executeInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type displayContent struct {
	Data           map[string]any `json:"data"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type executeReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename"`
	EValue         string   `json:"evalue"`
	Traceback      []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

// kernelModel is the REST representation of a kernel.
type kernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state"`
}

func newMessage(session, username, msgType, channel string, content any) (message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return message{}, err
	}
	return message{
		Header: header{
			MsgID:    uuid.NewString(),
			Session:  session,
			Username: username,
			MsgType:  msgType,
			Version:  protocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// toPayload converts an iopub output message into an output payload.
func toPayload(msgType string, content json.RawMessage) (schema.OutputPayload, bool) {
	switch msgType {
	case "stream":
		var c streamContent
		if json.Unmarshal(content, &c) != nil {
			return schema.OutputPayload{}, false
		}
		return schema.OutputPayload{Type: schema.OutputStream, Name: c.Name, Text: c.Text}, true
	case "execute_result", "display_data":
		var c displayContent
		if json.Unmarshal(content, &c) != nil {
			return schema.OutputPayload{}, false
		}
		kind := schema.OutputDisplayData
		if msgType == "execute_result" {
			kind = schema.OutputExecuteResult
		}
		return schema.OutputPayload{Type: kind, Data: flattenMimeBundle(c.Data)}, true
	case "error":
		var c errorContent
		if json.Unmarshal(content, &c) != nil {
			return schema.OutputPayload{}, false
		}
		return schema.OutputPayload{Type: schema.OutputError, EName: c.EName, EValue: c.EValue, Traceback: c.Traceback}, true
	}
	return schema.OutputPayload{}, false
}

// flattenMimeBundle keeps text values as they are, joins multiline arrays,
// and re-encodes structured values such as application/json as JSON text.
func flattenMimeBundle(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for mime, value := range data {
		switch v := value.(type) {
		case string:
			out[mime] = v
		case []any:
			if lines, ok := stringLines(v); ok {
				out[mime] = strings.Join(lines, "")
				continue
			}
			raw, _ := json.Marshal(v)
			out[mime] = string(raw)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[mime] = string(raw)
		}
	}
	return out
}

func stringLines(values []any) ([]string, bool) {
	lines := make([]string, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		lines = append(lines, s)
	}
	return lines, true
}

func reportFor(state string) (schema.KernelReport, bool) {
	switch state {
	case "idle":
		return schema.ReportIdle, true
	case "busy":
		return schema.ReportBusy, true
	case "starting", "restarting":
		return schema.ReportStarting, true
	case "dead":
		return schema.ReportDead, true
	}
	return "", false
}
