package asap

import (
	"encoding/json"
	"fmt"
)

// Payload type tags. The tag discriminates the payload variant; handlers
// are registered per tag and decode the raw payload lazily.
const (
	// PayloadTaskRequest asks the recipient to run a skill.
	PayloadTaskRequest = "task.request"
	// PayloadTaskResponse carries the terminal outcome of a task.
	PayloadTaskResponse = "task.response"
	// PayloadTaskStatus carries an intermediate task state change.
	PayloadTaskStatus = "task.status"
	// PayloadToolCall invokes an MCP tool on the recipient.
	PayloadToolCall = "mcp.tool_call"
	// PayloadToolResult carries the output of an MCP tool call.
	PayloadToolResult = "mcp.tool_result"
	// PayloadResourceRead requests an MCP resource by URI.
	PayloadResourceRead = "mcp.resource_read"
	// PayloadResourceData carries MCP resource contents.
	PayloadResourceData = "mcp.resource_data"
	// PayloadAck acknowledges receipt of an envelope (WebSocket transport).
	PayloadAck = "ack"
	// PayloadError reports a failure outside any request/response pair.
	PayloadError = "error"
)

// responseTypes are the payload types that answer an earlier envelope and
// therefore must carry a correlation_id.
var responseTypes = map[string]bool{
	PayloadTaskResponse: true,
	PayloadToolResult:   true,
	PayloadResourceData: true,
}

// IsResponseType reports whether payloadType answers an earlier envelope.
func IsResponseType(payloadType string) bool {
	return responseTypes[payloadType]
}

// TaskRequestPayload is the payload of a task.request envelope.
type TaskRequestPayload struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	SkillID        string         `json:"skill_id"`
	Input          map[string]any `json:"input,omitempty"`
	// ParentTaskID links a subtask to the task that spawned it.
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// TaskResponsePayload is the payload of a task.response envelope.
type TaskResponsePayload struct {
	TaskID string         `json:"task_id,omitempty"`
	Status TaskState      `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// TaskStatusPayload is the payload of a task.status envelope.
type TaskStatusPayload struct {
	TaskID  string    `json:"task_id"`
	Status  TaskState `json:"status"`
	Message string    `json:"message,omitempty"`
}

// ToolCallPayload is the payload of an mcp.tool_call envelope.
type ToolCallPayload struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultPayload is the payload of an mcp.tool_result envelope.
type ToolResultPayload struct {
	Tool    string         `json:"tool"`
	Content map[string]any `json:"content,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// ResourceReadPayload is the payload of an mcp.resource_read envelope.
type ResourceReadPayload struct {
	URI string `json:"uri"`
}

// ResourceDataPayload is the payload of an mcp.resource_data envelope.
type ResourceDataPayload struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// AckPayload is the payload of an ack envelope.
type AckPayload struct {
	EnvelopeID string `json:"envelope_id"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DecodePayload unmarshals an envelope payload into the typed variant T.
// A nil payload decodes to the zero value.
func DecodePayload[T any](e *Envelope) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, NewError(AreaEnvelope, KindInvalidSchema, "decode payload",
			fmt.Errorf("payload_type %q: %w", e.PayloadType, err))
	}
	return out, nil
}
