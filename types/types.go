package types

import "time"

// WorkflowDefinition is a versioned, named process template governing a business type.
type WorkflowDefinition struct {
	ID           uint64           `json:"id"`
	Code         string           `json:"code"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	BusinessType string           `json:"business_type"`
	Version      int              `json:"version"`
	Status       DefinitionStatus `json:"status"`
	IsCurrent    bool             `json:"is_current"`
	Steps        []StepTemplate   `json:"steps"`
	CreatedBy    uint64           `json:"created_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Revision     int64            `json:"revision"`
}

// StepTemplate describes one sequential step of a definition.
type StepTemplate struct {
	Name string   `json:"name" yaml:"name"`
	Kind TaskKind `json:"kind" yaml:"kind"`
	// AssignmentRule is handed to the assignee resolver for user tasks.
	AssignmentRule string `json:"assignment_rule,omitempty" yaml:"assignment_rule,omitempty"`
	// Action names the registered action run by system tasks.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

// WorkflowInstance represents one execution of a definition bound to a business entity.
type WorkflowInstance struct {
	ID               uint64         `json:"id"`
	DefinitionID     uint64         `json:"definition_id"`
	WorkflowName     string         `json:"workflow_name"`
	BusinessType     string         `json:"business_type"`
	BusinessID       uint64         `json:"business_id"`
	Status           InstanceStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Variables        Variables      `json:"variables"`
	InitiatorID      uint64         `json:"initiator_id"`
	Priority         int            `json:"priority"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	ExpectedEndTime  time.Time      `json:"expected_end_time"`
	Reason           string         `json:"reason,omitempty"`
	Outcome          Outcome        `json:"outcome,omitempty"`
	Revision         int64          `json:"revision"`
}

// WorkflowTask is a unit of work within an instance.
type WorkflowTask struct {
	ID              uint64     `json:"id"`
	InstanceID      uint64     `json:"instance_id"`
	StepIndex       int        `json:"step_index"`
	Name            string     `json:"name"`
	Kind            TaskKind   `json:"kind"`
	Status          TaskStatus `json:"status"`
	AssigneeID      uint64     `json:"assignee_id"`
	Priority        int        `json:"priority"`
	CreateTime      time.Time  `json:"create_time"`
	CompleteTime    *time.Time `json:"complete_time,omitempty"`
	ExpectedEndTime time.Time  `json:"expected_end_time"`
	Decision        string     `json:"decision,omitempty"`
	Comment         string     `json:"comment,omitempty"`
	Variables       Variables  `json:"variables,omitempty"`
	Revision        int64      `json:"revision"`
}

// HistoryEvent is an immutable audit record of a single transition.
type HistoryEvent struct {
	EventID    string       `json:"event_id"`
	InstanceID uint64       `json:"instance_id"`
	SequenceNo int64        `json:"sequence_no"`
	Kind       EventKind    `json:"kind"`
	TaskID     uint64       `json:"task_id,omitempty"`
	ActorID    uint64       `json:"actor_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload carries the kind-specific details of a history event.
type EventPayload struct {
	Decision   string  `json:"decision,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	FromUserID uint64  `json:"from_user_id,omitempty"`
	ToUserID   uint64  `json:"to_user_id,omitempty"`
	StepIndex  int     `json:"step_index"`
	Outcome    Outcome `json:"outcome,omitempty"`
}

// Statistics is a dashboard rollup over instances and tasks.
type Statistics struct {
	TotalInstances      int64 `json:"total_instances"`
	RunningInstances    int64 `json:"running_instances"`
	SuspendedInstances  int64 `json:"suspended_instances"`
	CompletedInstances  int64 `json:"completed_instances"`
	TerminatedInstances int64 `json:"terminated_instances"`
	TotalTasks          int64 `json:"total_tasks"`
	PendingTasks        int64 `json:"pending_tasks"`
	CompletedTasks      int64 `json:"completed_tasks"`
	CancelledTasks      int64 `json:"cancelled_tasks"`
}

// PageRequest selects a 1-based page of results.
type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

// DefaultPageSize is used when a PageRequest carries no size.
const DefaultPageSize = 20

// Normalize fills in defaults for a zero or negative page and size.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	return p
}

// Offset returns the number of records skipped before this page.
func (p PageRequest) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Size
}

// Page is one page of a paged query.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// Paginate slices an already filtered and ordered result set.
func Paginate[T any](all []T, req PageRequest) Page[T] {
	req = req.Normalize()
	page := Page[T]{Items: []T{}, Total: int64(len(all)), Page: req.Page, Size: req.Size}
	start := req.Offset()
	if start >= len(all) {
		return page
	}
	end := start + req.Size
	if end > len(all) {
		end = len(all)
	}
	page.Items = append(page.Items, all[start:end]...)
	return page
}
