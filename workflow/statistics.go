package workflow

import (
	"context"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// GetWorkflowStatistics counts instances and tasks by status. The counts are
// separate queries and are not fenced against concurrent writers.
func (e *Engine) GetWorkflowStatistics(ctx context.Context) (_ *types.Statistics, err error) {
	ctx, op := e.begin(ctx, "GetWorkflowStatistics")
	defer func() { op.end(true, err) }()

	var stats types.Statistics
	instanceCounts := []struct {
		dst    *int64
		filter storage.InstanceFilter
	}{
		{&stats.TotalInstances, storage.InstanceFilter{}},
		{&stats.RunningInstances, storage.InstanceFilter{Status: types.InstanceRunning}},
		{&stats.SuspendedInstances, storage.InstanceFilter{Status: types.InstanceSuspended}},
		{&stats.CompletedInstances, storage.InstanceFilter{Status: types.InstanceCompleted}},
		{&stats.TerminatedInstances, storage.InstanceFilter{Status: types.InstanceTerminated}},
	}
	for _, c := range instanceCounts {
		n, err := e.store.CountInstances(ctx, c.filter)
		if err != nil {
			return nil, storeError(err, nil, "count instances")
		}
		*c.dst = n
	}

	taskCounts := []struct {
		dst    *int64
		filter storage.TaskFilter
	}{
		{&stats.TotalTasks, storage.TaskFilter{}},
		{&stats.PendingTasks, storage.TaskFilter{Status: types.TaskPending}},
		{&stats.CompletedTasks, storage.TaskFilter{Status: types.TaskCompleted}},
		{&stats.CancelledTasks, storage.TaskFilter{Status: types.TaskCancelled}},
	}
	for _, c := range taskCounts {
		n, err := e.store.CountTasks(ctx, c.filter)
		if err != nil {
			return nil, storeError(err, nil, "count tasks")
		}
		*c.dst = n
	}
	return &stats, nil
}
