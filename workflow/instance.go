package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"go.opentelemetry.io/otel/attribute"
)

// StartWorkflow starts an instance of a published definition and creates the
// task of its first step. An empty businessType defaults to the definition's.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID uint64, businessType string, businessID, initiatorID uint64, vars types.Variables) (_ *types.WorkflowInstance, err error) {
	ctx, op := e.begin(ctx, "StartWorkflow",
		attribute.Int64("definition.id", int64(definitionID)),
		attribute.String("business.type", businessType),
		attribute.Int64("business.id", int64(businessID)),
	)
	defer func() { op.end(true, err) }()

	def, err := e.loadDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, businessType, businessID, initiatorID, vars)
}

// StartCurrentWorkflow starts an instance of the current version of code.
func (e *Engine) StartCurrentWorkflow(ctx context.Context, code, businessType string, businessID, initiatorID uint64, vars types.Variables) (_ *types.WorkflowInstance, err error) {
	ctx, op := e.begin(ctx, "StartCurrentWorkflow",
		attribute.String("definition.code", code),
		attribute.Int64("business.id", int64(businessID)),
	)
	defer func() { op.end(true, err) }()

	def, err := e.store.FindCurrentDefinition(ctx, code)
	if err != nil {
		return nil, storeError(err, ErrDefinitionNotFound, "current definition of %s", code)
	}
	return e.start(ctx, def, businessType, businessID, initiatorID, vars)
}

func (e *Engine) start(ctx context.Context, def types.WorkflowDefinition, businessType string, businessID, initiatorID uint64, vars types.Variables) (*types.WorkflowInstance, error) {
	if def.Status != types.DefinitionPublished {
		return nil, fmt.Errorf("%w: definition %d is %s", ErrDefinitionNotPublished, def.ID, def.Status)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: definition %d has no steps", ErrInvalidDefinition, def.ID)
	}
	if businessType == "" {
		businessType = def.BusinessType
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	if vars == nil {
		vars = make(types.Variables)
	}

	now := e.now()
	inst := types.WorkflowInstance{
		ID:               id,
		DefinitionID:     def.ID,
		WorkflowName:     def.Name,
		BusinessType:     businessType,
		BusinessID:       businessID,
		Status:           types.InstanceRunning,
		CurrentStepIndex: 0,
		Variables:        vars.Clone(),
		InitiatorID:      initiatorID,
		Priority:         e.defaultPriority,
		StartTime:        now,
		ExpectedEndTime:  now.Add(e.defaultDeadline),
	}

	cs := &storage.Changeset{Instance: &inst, InsertInstance: true}
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventInstanceStarted, 0, initiatorID, types.EventPayload{StepIndex: 0}))
	if err := e.enterStep(ctx, cs, def, initiatorID); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, cs); err != nil {
		return nil, err
	}

	e.logger.Info().
		Uint64("instance_id", inst.ID).
		Uint64("definition_id", def.ID).
		Str("business_type", inst.BusinessType).
		Uint64("business_id", inst.BusinessID).
		Msg("workflow started")
	return &inst, nil
}

// enterStep creates the task of the instance's current step. System steps run
// inline: on success the instance moves on, on failure it is suspended with
// the error as reason and the task stays pending for ResumeWorkflow to retry.
func (e *Engine) enterStep(ctx context.Context, cs *storage.Changeset, def types.WorkflowDefinition, actorID uint64) error {
	inst := cs.Instance
	step := def.Steps[inst.CurrentStepIndex]

	task, err := e.newTask(inst, step)
	if err != nil {
		return err
	}
	cs.AddTask(task, true)
	cs.Events = append(cs.Events, e.newEvent(inst, types.EventTaskCreated, task.ID, actorID, types.EventPayload{
		StepIndex: task.StepIndex,
		ToUserID:  task.AssigneeID,
	}))

	if !step.Kind.AutoExecutes() {
		return nil
	}
	return e.runSystemTask(ctx, cs, def, task, step)
}

func (e *Engine) newTask(inst *types.WorkflowInstance, step types.StepTemplate) (*types.WorkflowTask, error) {
	var assignee uint64
	if step.Kind.RequiresHumanAssignee() {
		userID, err := e.resolver.Resolve(step.AssignmentRule, assignmentEnv(inst))
		if err != nil {
			return nil, fmt.Errorf("%w: step %d of instance %d: %v", ErrAssigneeUnresolved, inst.CurrentStepIndex, inst.ID, err)
		}
		assignee = userID
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	return &types.WorkflowTask{
		ID:              id,
		InstanceID:      inst.ID,
		StepIndex:       inst.CurrentStepIndex,
		Name:            step.Name,
		Kind:            step.Kind,
		Status:          types.TaskPending,
		AssigneeID:      assignee,
		Priority:        inst.Priority,
		CreateTime:      e.now(),
		ExpectedEndTime: inst.ExpectedEndTime,
	}, nil
}

// assignmentEnv exposes the instance variables plus a few instance fields to
// assignment rules. Instance variables win on a name clash.
func assignmentEnv(inst *types.WorkflowInstance) map[string]interface{} {
	env := map[string]interface{}{
		"initiatorId":  int64(inst.InitiatorID),
		"businessId":   int64(inst.BusinessID),
		"businessType": inst.BusinessType,
		"priority":     int64(inst.Priority),
	}
	for k, v := range inst.Variables.Native() {
		env[k] = v
	}
	return env
}

// runSystemTask executes the action of a pending system task inside cs.
func (e *Engine) runSystemTask(ctx context.Context, cs *storage.Changeset, def types.WorkflowDefinition, task *types.WorkflowTask, step types.StepTemplate) error {
	inst := cs.Instance
	action, err := e.action(step.Action)
	if err != nil {
		return err
	}

	out, err := e.executeActionWithRetry(ctx, step.Action, action, inst.Variables)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		e.logger.Error().Err(err).Uint64("instance_id", inst.ID).Uint64("task_id", task.ID).Msg("system task failed, suspending instance")
		inst.Status = types.InstanceSuspended
		inst.Reason = err.Error()
		cs.Events = append(cs.Events, e.newEvent(inst, types.EventInstanceSuspended, task.ID, 0, types.EventPayload{
			Reason:    inst.Reason,
			StepIndex: task.StepIndex,
		}))
		return nil
	}

	now := e.now()
	task.Status = types.TaskCompleted
	task.CompleteTime = &now
	task.Variables = out.Clone()
	inst.Variables = inst.Variables.Merge(out)
	cs.Events = append(cs.Events, e.newEvent(inst, types.EventTaskCompleted, task.ID, 0, types.EventPayload{StepIndex: task.StepIndex}))
	completed := len(cs.Events) - 1

	if err := e.advance(ctx, cs, def, 0); err != nil {
		return err
	}
	cs.Events[completed].Payload.Outcome = inst.Outcome
	return nil
}

// advance moves the instance past its current step, completing it after the last one.
func (e *Engine) advance(ctx context.Context, cs *storage.Changeset, def types.WorkflowDefinition, actorID uint64) error {
	inst := cs.Instance
	if inst.CurrentStepIndex >= len(def.Steps)-1 {
		e.finish(inst, types.OutcomeApproved)
		return nil
	}
	inst.CurrentStepIndex++
	return e.enterStep(ctx, cs, def, actorID)
}

func (e *Engine) finish(inst *types.WorkflowInstance, outcome types.Outcome) {
	now := e.now()
	inst.Status = types.InstanceCompleted
	inst.EndTime = &now
	inst.Outcome = outcome
}

// SuspendWorkflow pauses a running instance. Its pending task stays pending
// but cannot be completed or transferred until the instance is resumed.
func (e *Engine) SuspendWorkflow(ctx context.Context, instanceID uint64, reason string) (ok bool, err error) {
	ctx, op := e.begin(ctx, "SuspendWorkflow", attribute.Int64("instance.id", int64(instanceID)))
	defer func() { op.end(ok, err) }()

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !inst.Status.CanTransition(types.InstanceSuspended) {
		return e.reject("SuspendWorkflow", "instance is not running", map[string]interface{}{"instance_id": instanceID, "status": inst.Status})
	}

	inst.Status = types.InstanceSuspended
	inst.Reason = reason
	cs := &storage.Changeset{Instance: &inst}
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventInstanceSuspended, 0, 0, types.EventPayload{
		Reason:    reason,
		StepIndex: inst.CurrentStepIndex,
	}))
	if err := e.commit(ctx, cs); err != nil {
		return false, err
	}
	return true, nil
}

// ResumeWorkflow returns a suspended instance to running. If the instance was
// suspended by a failing system task, the task's action is retried; another
// failure suspends the instance again and is recorded in the history.
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID uint64) (ok bool, err error) {
	ctx, op := e.begin(ctx, "ResumeWorkflow", attribute.Int64("instance.id", int64(instanceID)))
	defer func() { op.end(ok, err) }()

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status != types.InstanceSuspended {
		return e.reject("ResumeWorkflow", "instance is not suspended", map[string]interface{}{"instance_id": instanceID, "status": inst.Status})
	}

	inst.Status = types.InstanceRunning
	inst.Reason = ""
	cs := &storage.Changeset{Instance: &inst}
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventInstanceResumed, 0, 0, types.EventPayload{StepIndex: inst.CurrentStepIndex}))

	task, found, err := e.pendingTask(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if found && task.Kind.AutoExecutes() {
		def, err := e.loadDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return false, err
		}
		cs.AddTask(&task, false)
		if err := e.runSystemTask(ctx, cs, def, &task, def.Steps[task.StepIndex]); err != nil {
			return false, err
		}
	}

	if err := e.commit(ctx, cs); err != nil {
		return false, err
	}
	return true, nil
}

// TerminateWorkflow ends an active instance and cancels its pending task.
// Terminating a completed or terminated instance returns false.
func (e *Engine) TerminateWorkflow(ctx context.Context, instanceID uint64, reason string) (ok bool, err error) {
	ctx, op := e.begin(ctx, "TerminateWorkflow", attribute.Int64("instance.id", int64(instanceID)))
	defer func() { op.end(ok, err) }()

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !inst.Status.CanTransition(types.InstanceTerminated) {
		return e.reject("TerminateWorkflow", "instance already finished", map[string]interface{}{"instance_id": instanceID, "status": inst.Status})
	}

	task, found, err := e.pendingTask(ctx, instanceID)
	if err != nil {
		return false, err
	}

	now := e.now()
	inst.Status = types.InstanceTerminated
	inst.EndTime = &now
	inst.Reason = reason
	cs := &storage.Changeset{Instance: &inst}
	var cancelled uint64
	if found {
		task.Status = types.TaskCancelled
		cs.AddTask(&task, false)
		cancelled = task.ID
	}
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventInstanceTerminated, cancelled, 0, types.EventPayload{
		Reason:    reason,
		StepIndex: inst.CurrentStepIndex,
	}))
	if err := e.commit(ctx, cs); err != nil {
		return false, err
	}
	e.logger.Info().Uint64("instance_id", instanceID).Str("reason", reason).Msg("workflow terminated")
	return true, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances pages through instances, most recently started first.
func (e *Engine) ListInstances(ctx context.Context, filter storage.InstanceFilter, page types.PageRequest) (types.Page[types.WorkflowInstance], error) {
	res, err := e.store.ListInstances(ctx, filter, page)
	if err != nil {
		return types.Page[types.WorkflowInstance]{}, storeError(err, nil, "list instances")
	}
	return res, nil
}
