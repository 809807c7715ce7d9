package asap

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Task store errors.
var (
	ErrTaskNotFound      = errors.New("asap: task not found")
	ErrTaskAlreadyExists = errors.New("asap: task already exists")
	ErrInvalidTransition = errors.New("asap: invalid state transition")
	ErrTaskTerminal      = errors.New("asap: task is in a terminal state")
	ErrTaskDepthExceeded = errors.New("asap: max task depth exceeded")
)

// terminalStates are states from which no further transitions are allowed.
var terminalStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateFailed:    true,
	TaskStateCancelled: true,
}

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[TaskState]map[TaskState]bool{
	TaskStateSubmitted: {
		TaskStateWorking:   true,
		TaskStateCancelled: true,
	},
	TaskStateWorking: {
		TaskStateCompleted:     true,
		TaskStateFailed:        true,
		TaskStateCancelled:     true,
		TaskStateInputRequired: true,
	},
	TaskStateInputRequired: {
		TaskStateWorking:   true,
		TaskStateCancelled: true,
	},
}

// TaskStore defines the interface for task persistence and lifecycle management.
type TaskStore interface {
	Create(taskID, conversationID string) (*Task, error)
	CreateSubtask(taskID, conversationID, parentID string) (*Task, error)
	Get(taskID string) (*Task, error)
	SetState(taskID string, state TaskState, msg *Message) error
	AddArtifacts(taskID string, artifacts []Artifact) error
	Cancel(taskID string) error
	List(conversationID string, limit, offset int) ([]*Task, error)
	Evict(cutoff time.Time) int
}

// InMemoryTaskStore is a concurrency-safe, in-memory implementation of TaskStore.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewInMemoryTaskStore creates a new InMemoryTaskStore.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*Task),
	}
}

// Create initializes a new top-level task in the submitted state.
func (s *InMemoryTaskStore) Create(taskID, conversationID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(taskID, conversationID, 0)
}

// CreateSubtask initializes a task one level below its parent. Creation
// fails when the parent is unknown or the nesting bound would be exceeded.
func (s *InMemoryTaskStore) CreateSubtask(taskID, conversationID, parentID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tasks[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %q", ErrTaskNotFound, parentID)
	}
	if parent.Depth+1 > MaxTaskDepth {
		return nil, fmt.Errorf("%w: parent depth %d", ErrTaskDepthExceeded, parent.Depth)
	}
	return s.create(taskID, conversationID, parent.Depth+1)
}

func (s *InMemoryTaskStore) create(taskID, conversationID string, depth int) (*Task, error) {
	if _, exists := s.tasks[taskID]; exists {
		return nil, ErrTaskAlreadyExists
	}

	now := time.Now().UTC()
	task := &Task{
		ID:             taskID,
		ConversationID: conversationID,
		Depth:          depth,
		Status: TaskStatus{
			State:     TaskStateSubmitted,
			Timestamp: &now,
		},
	}
	s.tasks[taskID] = task

	return task, nil
}

// Get retrieves a task by ID.
func (s *InMemoryTaskStore) Get(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// SetState transitions the task to a new state with an optional status message.
func (s *InMemoryTaskStore) SetState(taskID string, state TaskState, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	current := task.Status.State

	if terminalStates[current] {
		return fmt.Errorf("%w: cannot transition from terminal state %q", ErrTaskTerminal, current)
	}

	allowed, ok := validTransitions[current]
	if !ok || !allowed[state] {
		return fmt.Errorf("%w: %q to %q", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	task.Status = TaskStatus{
		State:     state,
		Message:   msg,
		Timestamp: &now,
	}
	return nil
}

// AddArtifacts appends artifacts to a task.
func (s *InMemoryTaskStore) AddArtifacts(taskID string, artifacts []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.Artifacts = append(task.Artifacts, artifacts...)
	return nil
}

// Cancel transitions the task to the cancelled state from any non-terminal state.
func (s *InMemoryTaskStore) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	if terminalStates[task.Status.State] {
		return fmt.Errorf("%w: cannot cancel task in terminal state %q", ErrTaskTerminal, task.Status.State)
	}

	now := time.Now().UTC()
	task.Status = TaskStatus{
		State:     TaskStateCancelled,
		Timestamp: &now,
	}
	return nil
}

// List returns tasks matching the given conversationID with pagination.
// If conversationID is empty, all tasks are returned. Offset and limit
// control pagination.
func (s *InMemoryTaskStore) List(conversationID string, limit, offset int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Task
	for _, task := range s.tasks {
		if conversationID == "" || task.ConversationID == conversationID {
			matched = append(matched, task)
		}
	}

	// Apply offset.
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]

	// Apply limit.
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	return matched, nil
}

// Evict removes terminal tasks whose status timestamp is older than the
// cutoff. It returns the number of tasks removed. Servers call this from
// their eviction loop.
func (s *InMemoryTaskStore) Evict(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if !terminalStates[task.Status.State] {
			continue
		}
		if task.Status.Timestamp != nil && task.Status.Timestamp.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}
