package workflow

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"go.opentelemetry.io/otel/attribute"
)

// CompleteTask records userID's decision on a pending user task and advances
// the instance. A "rejected" decision ends the instance with that outcome.
//
// It returns false when the task is unknown or not pending, when userID is not
// the assignee, or when the owning instance is not running.
func (e *Engine) CompleteTask(ctx context.Context, taskID, userID uint64, decision, comment string, vars types.Variables) (ok bool, err error) {
	ctx, op := e.begin(ctx, "CompleteTask",
		attribute.Int64("task.id", int64(taskID)),
		attribute.Int64("user.id", int64(userID)),
		attribute.String("task.decision", decision),
	)
	defer func() { op.end(ok, err) }()

	task, inst, ok, err := e.actionableTask(ctx, "CompleteTask", taskID, userID)
	if !ok || err != nil {
		return false, err
	}
	def, err := e.loadDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return false, err
	}

	now := e.now()
	task.Status = types.TaskCompleted
	task.CompleteTime = &now
	task.Decision = decision
	task.Comment = comment
	task.Variables = vars.Clone()
	inst.Variables = inst.Variables.Merge(vars)

	cs := &storage.Changeset{Instance: &inst}
	cs.AddTask(&task, false)
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventTaskCompleted, task.ID, userID, types.EventPayload{
		Decision:  decision,
		Comment:   comment,
		StepIndex: task.StepIndex,
	}))
	completed := len(cs.Events) - 1

	if types.Outcome(decision) == types.OutcomeRejected {
		e.finish(&inst, types.OutcomeRejected)
	} else if err := e.advance(ctx, cs, def, userID); err != nil {
		return false, err
	}
	cs.Events[completed].Payload.Outcome = inst.Outcome

	if err := e.commit(ctx, cs); err != nil {
		return false, err
	}
	if inst.Status == types.InstanceCompleted {
		e.logger.Info().Uint64("instance_id", inst.ID).Str("outcome", string(inst.Outcome)).Msg("workflow completed")
	}
	return true, nil
}

// TransferTask hands a pending task from fromUserID to toUserID. The task keeps
// its identity and step; only the assignee changes.
//
// It returns false under the same conditions as CompleteTask, and when
// toUserID is zero or already the assignee.
func (e *Engine) TransferTask(ctx context.Context, taskID, fromUserID, toUserID uint64, reason string) (ok bool, err error) {
	ctx, op := e.begin(ctx, "TransferTask",
		attribute.Int64("task.id", int64(taskID)),
		attribute.Int64("user.from", int64(fromUserID)),
		attribute.Int64("user.to", int64(toUserID)),
	)
	defer func() { op.end(ok, err) }()

	if toUserID == 0 || toUserID == fromUserID {
		return e.reject("TransferTask", "invalid transfer target", map[string]interface{}{"task_id": taskID, "to_user_id": toUserID})
	}
	task, inst, ok, err := e.actionableTask(ctx, "TransferTask", taskID, fromUserID)
	if !ok || err != nil {
		return false, err
	}

	task.AssigneeID = toUserID
	cs := &storage.Changeset{Instance: &inst}
	cs.AddTask(&task, false)
	cs.Events = append(cs.Events, e.newEvent(&inst, types.EventTaskTransferred, task.ID, fromUserID, types.EventPayload{
		Reason:     reason,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		StepIndex:  task.StepIndex,
	}))
	if err := e.commit(ctx, cs); err != nil {
		return false, err
	}
	return true, nil
}

// actionableTask loads a task and its instance and checks that userID may act on it now.
func (e *Engine) actionableTask(ctx context.Context, opName string, taskID, userID uint64) (types.WorkflowTask, types.WorkflowInstance, bool, error) {
	var inst types.WorkflowInstance
	task, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		ok, err := e.reject(opName, "task not found", map[string]interface{}{"task_id": taskID})
		return task, inst, ok, err
	}
	if err != nil {
		return task, inst, false, storeError(err, nil, "task %d", taskID)
	}
	if task.Status != types.TaskPending {
		ok, err := e.reject(opName, "task is not pending", map[string]interface{}{"task_id": taskID, "status": task.Status})
		return task, inst, ok, err
	}
	if !task.Kind.RequiresHumanAssignee() {
		ok, err := e.reject(opName, "task is executed by the system", map[string]interface{}{"task_id": taskID})
		return task, inst, ok, err
	}
	if task.AssigneeID != userID {
		ok, err := e.reject(opName, "user is not the assignee", map[string]interface{}{"task_id": taskID, "user_id": userID, "assignee_id": task.AssigneeID})
		return task, inst, ok, err
	}

	inst, err = e.loadInstance(ctx, task.InstanceID)
	if err != nil {
		return task, inst, false, err
	}
	if inst.Status != types.InstanceRunning {
		ok, err := e.reject(opName, "instance is not running", map[string]interface{}{"task_id": taskID, "instance_id": inst.ID, "status": inst.Status})
		return task, inst, ok, err
	}
	return task, inst, true, nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (*types.WorkflowTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, ErrTaskNotFound, "task %d", taskID)
	}
	return &task, nil
}

// GetUserTasks pages through the pending tasks assigned to userID, oldest first.
func (e *Engine) GetUserTasks(ctx context.Context, userID uint64, page types.PageRequest) (types.Page[types.WorkflowTask], error) {
	res, err := e.store.ListTasks(ctx, storage.TaskFilter{Assignee: storage.AssignedTo(userID), Status: types.TaskPending}, page)
	if err != nil {
		return types.Page[types.WorkflowTask]{}, storeError(err, nil, "tasks of user %d", userID)
	}
	return res, nil
}

// InstanceTasks returns every task of an instance in creation order.
func (e *Engine) InstanceTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	if _, err := e.loadInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	const size = 100
	var tasks []types.WorkflowTask
	for page := 1; ; page++ {
		res, err := e.store.ListTasks(ctx, storage.TaskFilter{InstanceID: instanceID}, types.PageRequest{Page: page, Size: size})
		if err != nil {
			return nil, storeError(err, nil, "tasks of instance %d", instanceID)
		}
		tasks = append(tasks, res.Items...)
		if len(res.Items) < size {
			return tasks, nil
		}
	}
}
