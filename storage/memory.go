package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Store interface.
// A single lock fences every commit, which makes each changeset atomic.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	tasks       map[uint64]types.WorkflowTask
	history     map[uint64][]types.HistoryEvent
	// pending maps an instance to its pending task.
	pending map[uint64]uint64
	mu      sync.RWMutex
}

var _ Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		tasks:       make(map[uint64]types.WorkflowTask),
		history:     make(map[uint64][]types.HistoryEvent),
		pending:     make(map[uint64]uint64),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, kind string, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %s id=%d", ErrNotFound, kind, id)
		}
		return clone(item), nil
	})
}

// InsertDefinition stores a new definition in memory.
func (s *MemoryStorage) InsertDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.definitions[def.ID]; ok {
			return fmt.Errorf("%w: definition id=%d", ErrDuplicate, def.ID)
		}
		for _, existing := range s.definitions {
			if existing.Code == def.Code && existing.Version == def.Version {
				return fmt.Errorf("%w: definition %s v%d", ErrDuplicate, def.Code, def.Version)
			}
		}
		if def.IsCurrent {
			return errors.New("a new definition cannot be current")
		}
		def.Revision++
		s.definitions[def.ID] = cloneDefinition(*def)
		return nil
	})
}

// UpdateDefinition rewrites a definition if its revision matches.
func (s *MemoryStorage) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkDefinitionRevision(def); err != nil {
			return err
		}
		if def.IsCurrent {
			if def.Status != types.DefinitionPublished {
				return fmt.Errorf("definition %d: only published definitions can be current", def.ID)
			}
			if cur, ok := s.currentDefinition(def.Code); ok && cur.ID != def.ID {
				return fmt.Errorf("%w: code %s already has current definition %d", ErrDuplicate, def.Code, cur.ID)
			}
		}
		def.Revision++
		s.definitions[def.ID] = cloneDefinition(*def)
		return nil
	})
}

// PublishDefinition swaps the current definition of a code under one lock.
func (s *MemoryStorage) PublishDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		if def.Status != types.DefinitionPublished || !def.IsCurrent {
			return fmt.Errorf("definition %d must be published and current", def.ID)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkDefinitionRevision(def); err != nil {
			return err
		}
		if stored := s.definitions[def.ID]; stored.Status != types.DefinitionDraft {
			return fmt.Errorf("%w: definition %d is %s", ErrConcurrentModification, def.ID, stored.Status)
		}
		if prev, ok := s.currentDefinition(def.Code); ok {
			prev.IsCurrent = false
			prev.UpdatedAt = def.UpdatedAt
			prev.Revision++
			s.definitions[prev.ID] = prev
		}
		def.Revision++
		s.definitions[def.ID] = cloneDefinition(*def)
		return nil
	})
}

func (s *MemoryStorage) checkDefinitionRevision(def *types.WorkflowDefinition) error {
	stored, ok := s.definitions[def.ID]
	if !ok {
		return fmt.Errorf("%w: definition id=%d", ErrNotFound, def.ID)
	}
	if stored.Revision != def.Revision {
		return fmt.Errorf("%w: definition %d at revision %d, have %d", ErrConcurrentModification, def.ID, stored.Revision, def.Revision)
	}
	return nil
}

func (s *MemoryStorage) currentDefinition(code string) (types.WorkflowDefinition, bool) {
	for _, def := range s.definitions {
		if def.Code == code && def.IsCurrent {
			return def, true
		}
	}
	return types.WorkflowDefinition{}, false
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, "definition", cloneDefinition)
}

// FindCurrentDefinition returns the current definition of code.
func (s *MemoryStorage) FindCurrentDefinition(ctx context.Context, code string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.currentDefinition(code)
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: current definition code=%s", ErrNotFound, code)
		}
		return cloneDefinition(def), nil
	})
}

// LatestDefinitionVersion returns the highest stored version of code.
func (s *MemoryStorage) LatestDefinitionVersion(ctx context.Context, code string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		latest := 0
		for _, def := range s.definitions {
			if def.Code == code && def.Version > latest {
				latest = def.Version
			}
		}
		return latest, nil
	})
}

// ListDefinitions pages through definitions matching filter.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter, page types.PageRequest) (types.Page[types.WorkflowDefinition], error) {
	return withContext(ctx, func() (types.Page[types.WorkflowDefinition], error) {
		s.mu.RLock()
		var matched []types.WorkflowDefinition
		for _, def := range s.definitions {
			if filter.Match(def) {
				matched = append(matched, cloneDefinition(def))
			}
		}
		s.mu.RUnlock()
		sortDefinitions(matched)
		return types.Paginate(matched, page), nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, "instance", cloneInstance)
}

// ListInstances pages through instances matching filter.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter InstanceFilter, page types.PageRequest) (types.Page[types.WorkflowInstance], error) {
	return withContext(ctx, func() (types.Page[types.WorkflowInstance], error) {
		s.mu.RLock()
		var matched []types.WorkflowInstance
		for _, inst := range s.instances {
			if filter.Match(inst) {
				matched = append(matched, cloneInstance(inst))
			}
		}
		s.mu.RUnlock()
		sortInstances(matched)
		return types.Paginate(matched, page), nil
	})
}

// CountInstances counts instances matching filter.
func (s *MemoryStorage) CountInstances(ctx context.Context, filter InstanceFilter) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var n int64
		for _, inst := range s.instances {
			if filter.Match(inst) {
				n++
			}
		}
		return n, nil
	})
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getItem(ctx, &s.mu, s.tasks, id, "task", cloneTask)
}

// ListTasks pages through tasks matching filter.
func (s *MemoryStorage) ListTasks(ctx context.Context, filter TaskFilter, page types.PageRequest) (types.Page[types.WorkflowTask], error) {
	return withContext(ctx, func() (types.Page[types.WorkflowTask], error) {
		s.mu.RLock()
		var matched []types.WorkflowTask
		for _, task := range s.tasks {
			if filter.Match(task) {
				matched = append(matched, cloneTask(task))
			}
		}
		s.mu.RUnlock()
		sortTasks(matched)
		return types.Paginate(matched, page), nil
	})
}

// CountTasks counts tasks matching filter.
func (s *MemoryStorage) CountTasks(ctx context.Context, filter TaskFilter) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var n int64
		for _, task := range s.tasks {
			if filter.Match(task) {
				n++
			}
		}
		return n, nil
	})
}

// Commit validates every revision before applying any write.
func (s *MemoryStorage) Commit(ctx context.Context, cs *Changeset) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		inst := cs.Instance
		stored, exists := s.instances[inst.ID]
		switch {
		case cs.InsertInstance && exists:
			return fmt.Errorf("%w: instance id=%d", ErrDuplicate, inst.ID)
		case !cs.InsertInstance && !exists:
			return fmt.Errorf("%w: instance id=%d", ErrNotFound, inst.ID)
		case !cs.InsertInstance && stored.Revision != inst.Revision:
			return fmt.Errorf("%w: instance %d at revision %d, have %d", ErrConcurrentModification, inst.ID, stored.Revision, inst.Revision)
		}

		pendingID, hasPending := s.pending[inst.ID]
		for _, w := range cs.Tasks {
			storedTask, ok := s.tasks[w.Task.ID]
			switch {
			case w.Insert && ok:
				return fmt.Errorf("%w: task id=%d", ErrDuplicate, w.Task.ID)
			case !w.Insert && !ok:
				return fmt.Errorf("%w: task id=%d", ErrNotFound, w.Task.ID)
			case !w.Insert && storedTask.Revision != w.Task.Revision:
				return fmt.Errorf("%w: task %d at revision %d, have %d", ErrConcurrentModification, w.Task.ID, storedTask.Revision, w.Task.Revision)
			}
			if hasPending && pendingID == w.Task.ID && w.Task.Status != types.TaskPending {
				hasPending = false
			}
		}
		for _, w := range cs.Tasks {
			if w.Task.Status != types.TaskPending {
				continue
			}
			if hasPending && pendingID != w.Task.ID {
				return fmt.Errorf("%w: instance %d already has pending task %d", ErrDuplicate, inst.ID, pendingID)
			}
			pendingID, hasPending = w.Task.ID, true
		}

		s.instances[inst.ID] = cloneInstance(withRevision(*inst, inst.Revision+1))
		for _, w := range cs.Tasks {
			s.tasks[w.Task.ID] = cloneTask(withTaskRevision(*w.Task, w.Task.Revision+1))
		}
		if hasPending {
			s.pending[inst.ID] = pendingID
		} else {
			delete(s.pending, inst.ID)
		}
		seq := int64(len(s.history[inst.ID]))
		for i := range cs.Events {
			seq++
			cs.Events[i].SequenceNo = seq
			s.history[inst.ID] = append(s.history[inst.ID], cs.Events[i])
		}
		cs.bump()
		return nil
	})
}

// GetHistory returns the events of an instance in sequence order.
func (s *MemoryStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return withContext(ctx, func() ([]types.HistoryEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		events := s.history[instanceID]
		out := make([]types.HistoryEvent, len(events))
		copy(out, events)
		return out, nil
	})
}

func withRevision(inst types.WorkflowInstance, rev int64) types.WorkflowInstance {
	inst.Revision = rev
	return inst
}

func withTaskRevision(task types.WorkflowTask, rev int64) types.WorkflowTask {
	task.Revision = rev
	return task
}

func cloneDefinition(def types.WorkflowDefinition) types.WorkflowDefinition {
	def.Steps = append([]types.StepTemplate(nil), def.Steps...)
	return def
}

func cloneInstance(inst types.WorkflowInstance) types.WorkflowInstance {
	inst.Variables = inst.Variables.Clone()
	if inst.EndTime != nil {
		end := *inst.EndTime
		inst.EndTime = &end
	}
	return inst
}

func cloneTask(task types.WorkflowTask) types.WorkflowTask {
	task.Variables = task.Variables.Clone()
	if task.CompleteTime != nil {
		done := *task.CompleteTime
		task.CompleteTime = &done
	}
	return task
}
