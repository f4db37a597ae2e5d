package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrConcurrentModification is returned when a revision check fails.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicate is returned when an insert collides with a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// Store persists definitions, instances, tasks and the history log.
//
// Every write is conditional on Revision: the caller passes the revision it
// read (zero for inserts) and the store persists Revision+1. On success the
// store bumps Revision on the values it was handed.
type Store interface {
	// InsertDefinition stores a new definition; (code, version) must be unique.
	InsertDefinition(ctx context.Context, def *types.WorkflowDefinition) error

	// UpdateDefinition rewrites a definition if its revision still matches.
	UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error

	// PublishDefinition marks def published and current while clearing the
	// previous current definition of the same code, as one atomic operation.
	PublishDefinition(ctx context.Context, def *types.WorkflowDefinition) error

	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// FindCurrentDefinition returns the published current definition of code.
	FindCurrentDefinition(ctx context.Context, code string) (types.WorkflowDefinition, error)

	// LatestDefinitionVersion returns the highest version stored for code, or 0.
	LatestDefinitionVersion(ctx context.Context, code string) (int, error)

	ListDefinitions(ctx context.Context, filter DefinitionFilter, page types.PageRequest) (types.Page[types.WorkflowDefinition], error)

	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter, page types.PageRequest) (types.Page[types.WorkflowInstance], error)
	CountInstances(ctx context.Context, filter InstanceFilter) (int64, error)

	GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error)
	ListTasks(ctx context.Context, filter TaskFilter, page types.PageRequest) (types.Page[types.WorkflowTask], error)
	CountTasks(ctx context.Context, filter TaskFilter) (int64, error)

	// Commit applies a changeset atomically and appends its events to the
	// history log with consecutive sequence numbers.
	Commit(ctx context.Context, cs *Changeset) error

	// GetHistory returns all events of an instance ordered by sequence number.
	GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error)
}

// Changeset groups the writes of one instance-scoped transition.
// The instance row is always written so that all mutations of an instance
// and its tasks serialise on the instance revision.
type Changeset struct {
	Instance       *types.WorkflowInstance
	InsertInstance bool
	Tasks          []TaskWrite
	Events         []types.HistoryEvent
}

// TaskWrite is one task insert or conditional update inside a changeset.
type TaskWrite struct {
	Task   *types.WorkflowTask
	Insert bool
}

// AddTask appends a task write to the changeset.
func (cs *Changeset) AddTask(task *types.WorkflowTask, insert bool) {
	cs.Tasks = append(cs.Tasks, TaskWrite{Task: task, Insert: insert})
}

// Validate checks the structural shape of a changeset before it is applied.
func (cs *Changeset) Validate() error {
	if cs == nil || cs.Instance == nil {
		return errors.New("changeset requires an instance")
	}
	pending := 0
	for _, w := range cs.Tasks {
		if w.Task == nil {
			return errors.New("changeset contains a nil task")
		}
		if w.Task.InstanceID != cs.Instance.ID {
			return errors.New("changeset task belongs to another instance")
		}
		if w.Task.Status == types.TaskPending {
			pending++
		}
	}
	if pending > 1 {
		return errors.New("changeset leaves more than one pending task")
	}
	for _, ev := range cs.Events {
		if ev.InstanceID != cs.Instance.ID {
			return errors.New("changeset event belongs to another instance")
		}
	}
	return nil
}

// bump advances the revisions of every written record after a commit.
func (cs *Changeset) bump() {
	cs.Instance.Revision++
	for _, w := range cs.Tasks {
		w.Task.Revision++
	}
}

// DefinitionFilter narrows ListDefinitions. Zero fields match everything.
type DefinitionFilter struct {
	Code         string
	BusinessType string
	Status       types.DefinitionStatus
	CurrentOnly  bool
}

// Match reports whether def passes the filter.
func (f DefinitionFilter) Match(def types.WorkflowDefinition) bool {
	if f.Code != "" && def.Code != f.Code {
		return false
	}
	if f.BusinessType != "" && def.BusinessType != f.BusinessType {
		return false
	}
	if f.Status != "" && def.Status != f.Status {
		return false
	}
	if f.CurrentOnly && !def.IsCurrent {
		return false
	}
	return true
}

// InstanceFilter narrows ListInstances and CountInstances.
type InstanceFilter struct {
	BusinessType string
	BusinessID   uint64
	InitiatorID  uint64
	Status       types.InstanceStatus
}

// Match reports whether inst passes the filter.
func (f InstanceFilter) Match(inst types.WorkflowInstance) bool {
	if f.BusinessType != "" && inst.BusinessType != f.BusinessType {
		return false
	}
	if f.BusinessID != 0 && inst.BusinessID != f.BusinessID {
		return false
	}
	if f.InitiatorID != 0 && inst.InitiatorID != f.InitiatorID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// TaskFilter narrows ListTasks and CountTasks. A nil Assignee matches any
// assignee; a non-nil one matches exactly, so zero selects system tasks.
type TaskFilter struct {
	InstanceID uint64
	Assignee   *uint64
	Status     types.TaskStatus
}

// AssignedTo returns an Assignee value for TaskFilter.
func AssignedTo(userID uint64) *uint64 { return &userID }

// Match reports whether task passes the filter.
func (f TaskFilter) Match(task types.WorkflowTask) bool {
	if f.InstanceID != 0 && task.InstanceID != f.InstanceID {
		return false
	}
	if f.Assignee != nil && task.AssigneeID != *f.Assignee {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	return true
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
