package types

import "fmt"

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "draft"
	DefinitionPublished  DefinitionStatus = "published"
	DefinitionDeprecated DefinitionStatus = "deprecated"
)

var definitionTransitions = map[DefinitionStatus][]DefinitionStatus{
	DefinitionDraft:     {DefinitionPublished},
	DefinitionPublished: {DefinitionDeprecated},
}

// Valid reports whether s is a known definition status.
func (s DefinitionStatus) Valid() bool {
	switch s {
	case DefinitionDraft, DefinitionPublished, DefinitionDeprecated:
		return true
	}
	return false
}

// CanTransition reports whether the definition lifecycle allows s -> to.
func (s DefinitionStatus) CanTransition(to DefinitionStatus) bool {
	return contains(definitionTransitions[s], to)
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning    InstanceStatus = "running"
	InstanceSuspended  InstanceStatus = "suspended"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceTerminated InstanceStatus = "terminated"
)

// Running <-> Suspended, Running -> Completed, {Running, Suspended} -> Terminated.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceRunning:   {InstanceSuspended, InstanceCompleted, InstanceTerminated},
	InstanceSuspended: {InstanceRunning, InstanceTerminated},
}

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceRunning, InstanceSuspended, InstanceCompleted, InstanceTerminated:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceTerminated
}

// Active reports whether the instance must own exactly one pending task.
func (s InstanceStatus) Active() bool {
	return s == InstanceRunning || s == InstanceSuspended
}

// CanTransition reports whether the instance state machine allows s -> to.
func (s InstanceStatus) CanTransition(to InstanceStatus) bool {
	return contains(instanceTransitions[s], to)
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	// TaskCancelled marks a task that was pending when its instance was terminated.
	TaskCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskCompleted, TaskCancelled},
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the task lifecycle allows s -> to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	return contains(taskTransitions[s], to)
}

// TaskKind is the variant of a step; behaviour hangs off its capabilities.
type TaskKind string

const (
	UserTask   TaskKind = "user_task"
	SystemTask TaskKind = "system_task"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == UserTask || k == SystemTask
}

// RequiresHumanAssignee reports whether tasks of this kind wait for a person.
func (k TaskKind) RequiresHumanAssignee() bool {
	return k == UserTask
}

// AutoExecutes reports whether the engine runs tasks of this kind itself.
func (k TaskKind) AutoExecutes() bool {
	return k == SystemTask
}

// Outcome is the business result recorded on a finished instance.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// EventKind identifies the transition a history event records.
type EventKind string

const (
	EventInstanceStarted    EventKind = "instance_started"
	EventTaskCreated        EventKind = "task_created"
	EventTaskCompleted      EventKind = "task_completed"
	EventTaskTransferred    EventKind = "task_transferred"
	EventInstanceSuspended  EventKind = "instance_suspended"
	EventInstanceResumed    EventKind = "instance_resumed"
	EventInstanceTerminated EventKind = "instance_terminated"
)

// EventKinds lists every history event kind.
var EventKinds = []EventKind{
	EventInstanceStarted,
	EventTaskCreated,
	EventTaskCompleted,
	EventTaskTransferred,
	EventInstanceSuspended,
	EventInstanceResumed,
	EventInstanceTerminated,
}

// ParseInstanceStatus converts a stored string into an InstanceStatus.
func ParseInstanceStatus(s string) (InstanceStatus, error) {
	st := InstanceStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown instance status %q", s)
	}
	return st, nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
