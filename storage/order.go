package storage

import (
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// Listing orders shared by the stores that filter in process.
// Definitions and instances are newest first; tasks are oldest first so an
// inbox lists work in arrival order.

func sortDefinitions(defs []types.WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.After(defs[j].CreatedAt)
		}
		return defs[i].ID > defs[j].ID
	})
}

func sortInstances(insts []types.WorkflowInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].StartTime.Equal(insts[j].StartTime) {
			return insts[i].StartTime.After(insts[j].StartTime)
		}
		return insts[i].ID > insts[j].ID
	})
}

func sortTasks(tasks []types.WorkflowTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreateTime.Equal(tasks[j].CreateTime) {
			return tasks[i].CreateTime.Before(tasks[j].CreateTime)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
