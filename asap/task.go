package asap

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a task. It is a closed enum; values
// outside the set fail to marshal or unmarshal.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCancelled     TaskState = "cancelled"
	TaskStateInputRequired TaskState = "input_required"
)

// validTaskStates is the closed set of task states.
var validTaskStates = map[TaskState]bool{
	TaskStateSubmitted:     true,
	TaskStateWorking:       true,
	TaskStateCompleted:     true,
	TaskStateFailed:        true,
	TaskStateCancelled:     true,
	TaskStateInputRequired: true,
}

// MaxTaskDepth bounds subtask nesting to prevent unbounded recursion when
// agents delegate work to each other.
const MaxTaskDepth = 8

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskState) IsTerminal() bool {
	return terminalStates[s]
}

// MarshalJSON implements json.Marshaler, rejecting unknown states.
func (s TaskState) MarshalJSON() ([]byte, error) {
	if !validTaskStates[s] {
		return nil, fmt.Errorf("asap: invalid task state %q", string(s))
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown states.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !validTaskStates[TaskState(raw)] {
		return fmt.Errorf("asap: invalid task state %q", raw)
	}
	*s = TaskState(raw)
	return nil
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one unit of message or artifact content. Exactly one of Text,
// Raw, URL, or Data should be set.
type Part struct {
	Text      *string        `json:"text,omitempty"`
	Raw       []byte         `json:"raw,omitempty"`
	URL       *string        `json:"url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Filename  string         `json:"filename,omitempty"`
}

// Message is a single conversational turn attached to a task.
type Message struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	Role           Role           `json:"role"`
	Parts          []Part         `json:"parts,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts,omitempty"`
}

// TaskStatus is the current state of a task with an optional explanatory
// message.
type TaskStatus struct {
	State     TaskState  `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Task is a unit of work tracked by the server-side storage.
type Task struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	// Depth is 0 for top-level tasks and parent.Depth+1 for subtasks.
	Depth     int        `json:"depth,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
}

// StateSnapshot is a versioned checkpoint of task state. Versions are
// caller-assigned and strictly increasing per task; the store never invents
// them.
type StateSnapshot struct {
	TaskID     string         `json:"task_id"`
	Version    int            `json:"version"`
	Data       map[string]any `json:"data"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// UsageEvent records metered resource consumption attributed to a task.
type UsageEvent struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"task_id"`
	AgentID    string             `json:"agent_id"`
	ConsumerID string             `json:"consumer_id"`
	Metrics    map[string]float64 `json:"metrics"`
	Timestamp  time.Time          `json:"timestamp"`
}
