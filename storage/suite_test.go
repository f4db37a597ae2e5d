package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is truncated so that every backend round-trips it exactly.
var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newDefinition(id uint64, code string, version int) *types.WorkflowDefinition {
	created := base.Add(time.Duration(id) * time.Minute)
	return &types.WorkflowDefinition{
		ID:           id,
		Code:         code,
		Name:         code + " approval",
		BusinessType: "archive_approval",
		Version:      version,
		Status:       types.DefinitionDraft,
		Steps: []types.StepTemplate{
			{Name: "review", Kind: types.UserTask, AssignmentRule: "initiatorId"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newInstance(id, definitionID uint64) *types.WorkflowInstance {
	start := base.Add(time.Duration(id) * time.Minute)
	return &types.WorkflowInstance{
		ID:              id,
		DefinitionID:    definitionID,
		WorkflowName:    "archive approval",
		BusinessType:    "archive_approval",
		BusinessID:      id * 10,
		Status:          types.InstanceRunning,
		Variables:       types.Variables{"amount": types.Int(100)},
		InitiatorID:     7,
		Priority:        3,
		StartTime:       start,
		ExpectedEndTime: start.Add(24 * time.Hour),
	}
}

func newPendingTask(id, instanceID uint64, assignee uint64) *types.WorkflowTask {
	created := base.Add(time.Duration(id) * time.Minute)
	return &types.WorkflowTask{
		ID:              id,
		InstanceID:      instanceID,
		Name:            "review",
		Kind:            types.UserTask,
		Status:          types.TaskPending,
		AssigneeID:      assignee,
		Priority:        3,
		CreateTime:      created,
		ExpectedEndTime: created.Add(24 * time.Hour),
	}
}

func newStoredEvent(instanceID uint64, kind types.EventKind, taskID uint64) types.HistoryEvent {
	return types.HistoryEvent{
		EventID:    string(kind) + "-event",
		InstanceID: instanceID,
		Kind:       kind,
		TaskID:     taskID,
		ActorID:    7,
		Timestamp:  base,
	}
}

// startInstance commits a new instance with one pending task and returns both.
func startInstance(t *testing.T, store Store, defID, instID, taskID, assignee uint64) (*types.WorkflowInstance, *types.WorkflowTask) {
	t.Helper()
	inst := newInstance(instID, defID)
	task := newPendingTask(taskID, instID, assignee)
	cs := &Changeset{Instance: inst, InsertInstance: true}
	cs.AddTask(task, true)
	cs.Events = []types.HistoryEvent{
		newStoredEvent(instID, types.EventInstanceStarted, 0),
		newStoredEvent(instID, types.EventTaskCreated, taskID),
	}
	require.NoError(t, store.Commit(context.Background(), cs))
	return inst, task
}

// runStoreSuite checks the behaviour every Store implementation must share.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("InsertAndGetDefinition", func(t *testing.T) {
		store := newStore(t)
		def := newDefinition(1, "archive", 1)
		require.NoError(t, store.InsertDefinition(ctx, def))
		assert.Equal(t, int64(1), def.Revision)

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "archive", got.Code)
		assert.Equal(t, types.DefinitionDraft, got.Status)
		assert.Equal(t, def.Steps, got.Steps)
		assert.Equal(t, int64(1), got.Revision)

		err = store.InsertDefinition(ctx, newDefinition(2, "archive", 1))
		assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

		current := newDefinition(3, "archive", 2)
		current.IsCurrent = true
		assert.Error(t, store.InsertDefinition(ctx, current))

		_, err = store.GetDefinition(ctx, 99)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("LatestDefinitionVersion", func(t *testing.T) {
		store := newStore(t)
		v, err := store.LatestDefinitionVersion(ctx, "archive")
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(2, "archive", 2)))
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(3, "leave", 1)))

		v, err = store.LatestDefinitionVersion(ctx, "archive")
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("UpdateDefinitionChecksRevision", func(t *testing.T) {
		store := newStore(t)
		def := newDefinition(1, "archive", 1)
		require.NoError(t, store.InsertDefinition(ctx, def))

		stale := *def
		def.Description = "first"
		require.NoError(t, store.UpdateDefinition(ctx, def))
		assert.Equal(t, int64(2), def.Revision)

		stale.Description = "second"
		err := store.UpdateDefinition(ctx, &stale)
		assert.True(t, errors.Is(err, ErrConcurrentModification), "got %v", err)

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Description)

		missing := newDefinition(9, "archive", 9)
		err = store.UpdateDefinition(ctx, missing)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("PublishSwapsCurrent", func(t *testing.T) {
		store := newStore(t)
		_, err := store.FindCurrentDefinition(ctx, "archive")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		v1 := newDefinition(1, "archive", 1)
		v2 := newDefinition(2, "archive", 2)
		require.NoError(t, store.InsertDefinition(ctx, v1))
		require.NoError(t, store.InsertDefinition(ctx, v2))

		v1.Status, v1.IsCurrent = types.DefinitionPublished, true
		require.NoError(t, store.PublishDefinition(ctx, v1))
		cur, err := store.FindCurrentDefinition(ctx, "archive")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), cur.ID)

		v2.Status, v2.IsCurrent = types.DefinitionPublished, true
		require.NoError(t, store.PublishDefinition(ctx, v2))
		cur, err = store.FindCurrentDefinition(ctx, "archive")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), cur.ID)

		old, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.False(t, old.IsCurrent)
		assert.Equal(t, types.DefinitionPublished, old.Status)

		page, err := store.ListDefinitions(ctx, DefinitionFilter{Code: "archive", CurrentOnly: true}, types.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, uint64(2), page.Items[0].ID)
	})

	t.Run("PublishRejectsStaleOrPublished", func(t *testing.T) {
		store := newStore(t)
		def := newDefinition(1, "archive", 1)
		require.NoError(t, store.InsertDefinition(ctx, def))

		stale := *def
		def.Status, def.IsCurrent = types.DefinitionPublished, true
		require.NoError(t, store.PublishDefinition(ctx, def))

		stale.Status, stale.IsCurrent = types.DefinitionPublished, true
		err := store.PublishDefinition(ctx, &stale)
		assert.True(t, errors.Is(err, ErrConcurrentModification), "got %v", err)

		// Republishing an already published row fails even with a fresh revision.
		fresh, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		err = store.PublishDefinition(ctx, &fresh)
		assert.True(t, errors.Is(err, ErrConcurrentModification), "got %v", err)

		draft := newDefinition(2, "archive", 2)
		require.NoError(t, store.InsertDefinition(ctx, draft))
		assert.Error(t, store.PublishDefinition(ctx, draft))
	})

	t.Run("ConcurrentPublishKeepsOneCurrent", func(t *testing.T) {
		store := newStore(t)
		defs := []*types.WorkflowDefinition{newDefinition(1, "archive", 1), newDefinition(2, "archive", 2), newDefinition(3, "archive", 3)}
		for _, def := range defs {
			require.NoError(t, store.InsertDefinition(ctx, def))
			def.Status, def.IsCurrent = types.DefinitionPublished, true
		}

		var wg sync.WaitGroup
		for _, def := range defs {
			wg.Add(1)
			go func(def *types.WorkflowDefinition) {
				defer wg.Done()
				_ = store.PublishDefinition(ctx, def)
			}(def)
		}
		wg.Wait()

		page, err := store.ListDefinitions(ctx, DefinitionFilter{Code: "archive", CurrentOnly: true}, types.PageRequest{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 1)
	})

	t.Run("ListDefinitions", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(2, "archive", 2)))
		leave := newDefinition(3, "leave", 1)
		leave.BusinessType = "leave_request"
		require.NoError(t, store.InsertDefinition(ctx, leave))

		page, err := store.ListDefinitions(ctx, DefinitionFilter{}, types.PageRequest{Page: 1, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, uint64(3), page.Items[0].ID)
		assert.Equal(t, uint64(2), page.Items[1].ID)

		page, err = store.ListDefinitions(ctx, DefinitionFilter{}, types.PageRequest{Page: 2, Size: 2})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, uint64(1), page.Items[0].ID)

		page, err = store.ListDefinitions(ctx, DefinitionFilter{BusinessType: "leave_request"}, types.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "leave", page.Items[0].Code)

		page, err = store.ListDefinitions(ctx, DefinitionFilter{Status: types.DefinitionPublished}, types.PageRequest{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, int64(0), page.Total)
	})

	t.Run("CommitInsertsInstance", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		inst, task := startInstance(t, store, 1, 10, 100, 7)
		assert.Equal(t, int64(1), inst.Revision)
		assert.Equal(t, int64(1), task.Revision)

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, got.Status)
		assert.Equal(t, types.Int(100), got.Variables["amount"])
		assert.Equal(t, int64(1), got.Revision)

		gotTask, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, gotTask.Status)
		assert.Equal(t, uint64(7), gotTask.AssigneeID)

		history, err := store.GetHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, int64(1), history[0].SequenceNo)
		assert.Equal(t, int64(2), history[1].SequenceNo)
		assert.Equal(t, types.EventInstanceStarted, history[0].Kind)

		dup := &Changeset{Instance: newInstance(10, 1), InsertInstance: true}
		err = store.Commit(ctx, dup)
		assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

		_, err = store.GetInstance(ctx, 99)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		_, err = store.GetTask(ctx, 999)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("CommitAdvancesAndNumbersHistory", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		inst, task := startInstance(t, store, 1, 10, 100, 7)

		done := base.Add(time.Hour)
		task.Status = types.TaskCompleted
		task.CompleteTime = &done
		task.Decision = "approved"
		next := newPendingTask(101, 10, 8)
		inst.CurrentStepIndex = 1

		cs := &Changeset{Instance: inst}
		cs.AddTask(task, false)
		cs.AddTask(next, true)
		cs.Events = []types.HistoryEvent{
			newStoredEvent(10, types.EventTaskCompleted, 100),
			newStoredEvent(10, types.EventTaskCreated, 101),
		}
		require.NoError(t, store.Commit(ctx, cs))
		assert.Equal(t, int64(2), inst.Revision)
		assert.Equal(t, int64(2), task.Revision)
		assert.Equal(t, int64(3), cs.Events[0].SequenceNo)
		assert.Equal(t, int64(4), cs.Events[1].SequenceNo)

		history, err := store.GetHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 4)
		for i, ev := range history {
			assert.Equal(t, int64(i+1), ev.SequenceNo)
		}

		got, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCompleted, got.Status)
		require.NotNil(t, got.CompleteTime)
		assert.True(t, got.CompleteTime.Equal(done))
	})

	t.Run("CommitRejectsStaleInstance", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		inst, _ := startInstance(t, store, 1, 10, 100, 7)

		stale := *inst
		inst.Status = types.InstanceSuspended
		require.NoError(t, store.Commit(ctx, &Changeset{Instance: inst}))

		stale.Status = types.InstanceCompleted
		err := store.Commit(ctx, &Changeset{
			Instance: &stale,
			Events:   []types.HistoryEvent{newStoredEvent(10, types.EventInstanceTerminated, 0)},
		})
		assert.True(t, errors.Is(err, ErrConcurrentModification), "got %v", err)

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceSuspended, got.Status)
		history, err := store.GetHistory(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, history, 2)

		err = store.Commit(ctx, &Changeset{Instance: newInstance(99, 1)})
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("CommitIsAtomic", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		inst, task := startInstance(t, store, 1, 10, 100, 7)

		staleTask := *task
		staleTask.Revision = 0
		staleTask.Status = types.TaskCompleted
		inst.Status = types.InstanceCompleted

		cs := &Changeset{Instance: inst}
		cs.AddTask(&staleTask, false)
		cs.Events = []types.HistoryEvent{newStoredEvent(10, types.EventTaskCompleted, 100)}
		err := store.Commit(ctx, cs)
		assert.True(t, errors.Is(err, ErrConcurrentModification), "got %v", err)
		assert.Equal(t, int64(1), inst.Revision)

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, got.Status)
		assert.Equal(t, int64(1), got.Revision)
		gotTask, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, gotTask.Status)
		history, err := store.GetHistory(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("CommitKeepsOnePendingTask", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		inst, _ := startInstance(t, store, 1, 10, 100, 7)

		cs := &Changeset{Instance: inst}
		cs.AddTask(newPendingTask(101, 10, 8), true)
		err := store.Commit(ctx, cs)
		assert.True(t, errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConcurrentModification), "got %v", err)

		n, err := store.CountTasks(ctx, TaskFilter{InstanceID: 10, Status: types.TaskPending})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("CommitValidatesChangeset", func(t *testing.T) {
		store := newStore(t)
		assert.Error(t, store.Commit(ctx, &Changeset{}))

		inst := newInstance(10, 1)
		cs := &Changeset{Instance: inst, InsertInstance: true}
		cs.AddTask(newPendingTask(100, 11, 7), true)
		assert.Error(t, store.Commit(ctx, cs))

		cs = &Changeset{Instance: inst, InsertInstance: true}
		cs.AddTask(newPendingTask(100, 10, 7), true)
		cs.AddTask(newPendingTask(101, 10, 7), true)
		assert.Error(t, store.Commit(ctx, cs))
	})

	t.Run("ListAndCountInstances", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		startInstance(t, store, 1, 10, 100, 7)
		startInstance(t, store, 1, 11, 101, 7)
		inst, task := startInstance(t, store, 1, 12, 102, 8)

		task.Status = types.TaskCancelled
		inst.Status = types.InstanceTerminated
		cs := &Changeset{Instance: inst}
		cs.AddTask(task, false)
		require.NoError(t, store.Commit(ctx, cs))

		page, err := store.ListInstances(ctx, InstanceFilter{}, types.PageRequest{Page: 1, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, uint64(12), page.Items[0].ID)
		assert.Equal(t, uint64(11), page.Items[1].ID)

		page, err = store.ListInstances(ctx, InstanceFilter{Status: types.InstanceRunning}, types.PageRequest{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)

		page, err = store.ListInstances(ctx, InstanceFilter{BusinessID: 110}, types.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, uint64(11), page.Items[0].ID)

		n, err := store.CountInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		n, err = store.CountInstances(ctx, InstanceFilter{Status: types.InstanceTerminated})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = store.CountInstances(ctx, InstanceFilter{Status: types.InstanceRunning})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = store.CountInstances(ctx, InstanceFilter{InitiatorID: 8})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("ListAndCountTasks", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.InsertDefinition(ctx, newDefinition(1, "archive", 1)))
		startInstance(t, store, 1, 10, 102, 7)
		startInstance(t, store, 1, 11, 101, 7)
		startInstance(t, store, 1, 12, 100, 8)

		page, err := store.ListTasks(ctx, TaskFilter{Assignee: AssignedTo(7), Status: types.TaskPending}, types.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, uint64(101), page.Items[0].ID)
		assert.Equal(t, uint64(102), page.Items[1].ID)

		page, err = store.ListTasks(ctx, TaskFilter{InstanceID: 12}, types.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, uint64(8), page.Items[0].AssigneeID)

		page, err = store.ListTasks(ctx, TaskFilter{Assignee: AssignedTo(0), Status: types.TaskPending}, types.PageRequest{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.Empty(t, page.Items)

		n, err := store.CountTasks(ctx, TaskFilter{Status: types.TaskPending})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		n, err = store.CountTasks(ctx, TaskFilter{Assignee: AssignedTo(0), Status: types.TaskPending})
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = store.CountTasks(ctx, TaskFilter{Status: types.TaskCompleted})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		store := newStore(t)
		history, err := store.GetHistory(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.GetInstance(cctx, 1)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})
}
