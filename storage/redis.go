package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix  = "definition:"
	instancePrefix    = "instance:"
	taskPrefix        = "task:"
	historyPrefix     = "history:"
	definitionsIndex  = "definitions"
	instancesIndex    = "instances"
	tasksIndex        = "tasks"
	codeIndexPrefix   = "definitions:code:"
	currentPrefix     = "definitions:current:"
	pendingPrefix     = "pending:"
	instanceStatusKey = "instances:status:"
	taskStatusKey     = "tasks:status:"
)

// RedisStorage is a Redis-backed implementation of the Store interface.
// Conditional writes use WATCH/MULTI so a revision check and the write it
// guards commit together or not at all.
type RedisStorage struct {
	client *redis.Client
}

var _ Store = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func definitionKey(id uint64) string { return definitionPrefix + strconv.FormatUint(id, 10) }
func instanceKey(id uint64) string   { return instancePrefix + strconv.FormatUint(id, 10) }
func taskKey(id uint64) string       { return taskPrefix + strconv.FormatUint(id, 10) }
func historyKey(id uint64) string    { return historyPrefix + strconv.FormatUint(id, 10) }
func pendingKey(id uint64) string    { return pendingPrefix + strconv.FormatUint(id, 10) }
func codeKey(code string) string     { return codeIndexPrefix + code }
func currentKey(code string) string  { return currentPrefix + code }

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client stringGetter, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// lookup is getFromRedis that reports absence as ok=false instead of an error.
func lookup[T any](ctx context.Context, client stringGetter, key string) (T, bool, error) {
	v, err := getFromRedis[T](ctx, client, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	return v, err == nil, err
}

func marshal(key string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return data, nil
}

// watch runs fn inside an optimistic transaction on keys.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return withContextError(ctx, func() error {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: watched keys changed", ErrConcurrentModification)
		}
		return err
	})
}

// InsertDefinition stores a new definition and indexes it by code and version.
func (s *RedisStorage) InsertDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.IsCurrent {
		return errors.New("a new definition cannot be current")
	}
	key := definitionKey(def.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: definition id=%d", ErrDuplicate, def.ID)
		}
		version := strconv.Itoa(def.Version)
		same, err := tx.ZRangeByScore(ctx, codeKey(def.Code), &redis.ZRangeBy{Min: version, Max: version}).Result()
		if err != nil {
			return err
		}
		if len(same) > 0 {
			return fmt.Errorf("%w: definition %s v%d", ErrDuplicate, def.Code, def.Version)
		}

		stored := *def
		stored.Revision++
		data, err := marshal(key, stored)
		if err != nil {
			return err
		}
		id := strconv.FormatUint(def.ID, 10)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, definitionsIndex, &redis.Z{Score: float64(def.CreatedAt.UnixMilli()), Member: id})
			pipe.ZAdd(ctx, codeKey(def.Code), &redis.Z{Score: float64(def.Version), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		def.Revision = stored.Revision
		return nil
	}, key, codeKey(def.Code))
}

// UpdateDefinition rewrites a definition and keeps the current pointer in step.
func (s *RedisStorage) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.IsCurrent && def.Status != types.DefinitionPublished {
		return fmt.Errorf("definition %d: only published definitions can be current", def.ID)
	}
	key := definitionKey(def.ID)
	ptr := currentKey(def.Code)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getFromRedis[types.WorkflowDefinition](ctx, tx, key)
		if err != nil {
			return err
		}
		if stored.Revision != def.Revision {
			return fmt.Errorf("%w: definition %d at revision %d, have %d", ErrConcurrentModification, def.ID, stored.Revision, def.Revision)
		}
		curID, hasCur, err := currentPointer(ctx, tx, ptr)
		if err != nil {
			return err
		}
		if def.IsCurrent && hasCur && curID != def.ID {
			return fmt.Errorf("%w: code %s already has current definition %d", ErrDuplicate, def.Code, curID)
		}

		next := *def
		next.Revision++
		data, err := marshal(key, next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			switch {
			case def.IsCurrent:
				pipe.Set(ctx, ptr, def.ID, 0)
			case hasCur && curID == def.ID:
				pipe.Del(ctx, ptr)
			}
			return nil
		})
		if err != nil {
			return err
		}
		def.Revision = next.Revision
		return nil
	}, key, ptr)
}

// PublishDefinition clears the previous current definition and installs def
// in one MULTI block guarded by WATCH on both the definition and the pointer.
func (s *RedisStorage) PublishDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.Status != types.DefinitionPublished || !def.IsCurrent {
		return fmt.Errorf("definition %d must be published and current", def.ID)
	}
	key := definitionKey(def.ID)
	ptr := currentKey(def.Code)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getFromRedis[types.WorkflowDefinition](ctx, tx, key)
		if err != nil {
			return err
		}
		if stored.Revision != def.Revision || stored.Status != types.DefinitionDraft {
			return fmt.Errorf("%w: definition %d changed since read", ErrConcurrentModification, def.ID)
		}
		curID, hasCur, err := currentPointer(ctx, tx, ptr)
		if err != nil {
			return err
		}

		var prevData []byte
		var prevKey string
		if hasCur && curID != def.ID {
			prevKey = definitionKey(curID)
			prev, err := getFromRedis[types.WorkflowDefinition](ctx, tx, prevKey)
			if err != nil {
				return err
			}
			prev.IsCurrent = false
			prev.UpdatedAt = def.UpdatedAt
			prev.Revision++
			if prevData, err = marshal(prevKey, prev); err != nil {
				return err
			}
		}

		next := *def
		next.Revision++
		data, err := marshal(key, next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prevData != nil {
				pipe.Set(ctx, prevKey, prevData, 0)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, ptr, def.ID, 0)
			return nil
		})
		if err != nil {
			return err
		}
		def.Revision = next.Revision
		return nil
	}, key, ptr)
}

func currentPointer(ctx context.Context, client stringGetter, ptr string) (uint64, bool, error) {
	id, err := client.Get(ctx, ptr).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", ptr, err)
	}
	return id, true, nil
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionKey(id))
}

// FindCurrentDefinition follows the per-code current pointer.
func (s *RedisStorage) FindCurrentDefinition(ctx context.Context, code string) (types.WorkflowDefinition, error) {
	id, ok, err := currentPointer(ctx, s.client, currentKey(code))
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if !ok {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: current definition code=%s", ErrNotFound, code)
	}
	return s.GetDefinition(ctx, id)
}

// LatestDefinitionVersion reads the top score of the per-code version index.
func (s *RedisStorage) LatestDefinitionVersion(ctx context.Context, code string) (int, error) {
	return withContext(ctx, func() (int, error) {
		top, err := s.client.ZRevRangeWithScores(ctx, codeKey(code), 0, 0).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read versions of %s: %w", code, err)
		}
		if len(top) == 0 {
			return 0, nil
		}
		return int(top[0].Score), nil
	})
}

// ListDefinitions pages through definitions matching filter.
func (s *RedisStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter, page types.PageRequest) (types.Page[types.WorkflowDefinition], error) {
	index := definitionsIndex
	if filter.Code != "" {
		index = codeKey(filter.Code)
	}
	all, err := scanIndex[types.WorkflowDefinition](ctx, s.client, index, definitionPrefix, filter.Match)
	if err != nil {
		return types.Page[types.WorkflowDefinition]{}, err
	}
	sortDefinitions(all)
	return types.Paginate(all, page), nil
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, instanceKey(id))
}

// ListInstances pages through instances matching filter.
func (s *RedisStorage) ListInstances(ctx context.Context, filter InstanceFilter, page types.PageRequest) (types.Page[types.WorkflowInstance], error) {
	all, err := scanIndex[types.WorkflowInstance](ctx, s.client, instancesIndex, instancePrefix, filter.Match)
	if err != nil {
		return types.Page[types.WorkflowInstance]{}, err
	}
	sortInstances(all)
	return types.Paginate(all, page), nil
}

// CountInstances answers status-only and unfiltered counts from index cardinality.
func (s *RedisStorage) CountInstances(ctx context.Context, filter InstanceFilter) (int64, error) {
	switch {
	case filter == InstanceFilter{}:
		return s.client.ZCard(ctx, instancesIndex).Result()
	case filter == InstanceFilter{Status: filter.Status}:
		return s.client.SCard(ctx, instanceStatusKey+string(filter.Status)).Result()
	}
	all, err := scanIndex[types.WorkflowInstance](ctx, s.client, instancesIndex, instancePrefix, filter.Match)
	return int64(len(all)), err
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getFromRedis[types.WorkflowTask](ctx, s.client, taskKey(id))
}

// ListTasks pages through tasks matching filter.
func (s *RedisStorage) ListTasks(ctx context.Context, filter TaskFilter, page types.PageRequest) (types.Page[types.WorkflowTask], error) {
	all, err := scanIndex[types.WorkflowTask](ctx, s.client, tasksIndex, taskPrefix, filter.Match)
	if err != nil {
		return types.Page[types.WorkflowTask]{}, err
	}
	sortTasks(all)
	return types.Paginate(all, page), nil
}

// CountTasks answers status-only and unfiltered counts from index cardinality.
func (s *RedisStorage) CountTasks(ctx context.Context, filter TaskFilter) (int64, error) {
	switch {
	case filter.InstanceID == 0 && filter.Assignee == nil && filter.Status == "":
		return s.client.ZCard(ctx, tasksIndex).Result()
	case filter.InstanceID == 0 && filter.Assignee == nil:
		return s.client.SCard(ctx, taskStatusKey+string(filter.Status)).Result()
	}
	all, err := scanIndex[types.WorkflowTask](ctx, s.client, tasksIndex, taskPrefix, filter.Match)
	return int64(len(all)), err
}

// scanIndex loads every record referenced by a sorted-set index and keeps the matches.
func scanIndex[T any](ctx context.Context, client *redis.Client, index, prefix string, match func(T) bool) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", index, err)
		}
		out := make([]T, 0, len(ids))
		const batch = 500
		for start := 0; start < len(ids); start += batch {
			end := start + batch
			if end > len(ids) {
				end = len(ids)
			}
			keys := make([]string, 0, end-start)
			for _, id := range ids[start:end] {
				keys = append(keys, prefix+id)
			}
			values, err := client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to load records of %s: %w", index, err)
			}
			for i, raw := range values {
				str, ok := raw.(string)
				if !ok {
					continue
				}
				var item T
				if err := json.Unmarshal([]byte(str), &item); err != nil {
					return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
				}
				if match(item) {
					out = append(out, item)
				}
			}
		}
		return out, nil
	})
}

// Commit applies a changeset inside WATCH/MULTI on the instance, its pending
// pointer, its history list and every task it touches.
func (s *RedisStorage) Commit(ctx context.Context, cs *Changeset) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	inst := cs.Instance
	keys := []string{instanceKey(inst.ID), pendingKey(inst.ID), historyKey(inst.ID)}
	for _, w := range cs.Tasks {
		keys = append(keys, taskKey(w.Task.ID))
	}

	err := s.watch(ctx, func(tx *redis.Tx) error {
		stored, exists, err := lookup[types.WorkflowInstance](ctx, tx, instanceKey(inst.ID))
		if err != nil {
			return err
		}
		switch {
		case cs.InsertInstance && exists:
			return fmt.Errorf("%w: instance id=%d", ErrDuplicate, inst.ID)
		case !cs.InsertInstance && !exists:
			return fmt.Errorf("%w: instance id=%d", ErrNotFound, inst.ID)
		case !cs.InsertInstance && stored.Revision != inst.Revision:
			return fmt.Errorf("%w: instance %d at revision %d, have %d", ErrConcurrentModification, inst.ID, stored.Revision, inst.Revision)
		}

		pendingID, hasPending, err := currentPointer(ctx, tx, pendingKey(inst.ID))
		if err != nil {
			return err
		}
		oldTaskStatus := make(map[uint64]types.TaskStatus, len(cs.Tasks))
		for _, w := range cs.Tasks {
			storedTask, ok, err := lookup[types.WorkflowTask](ctx, tx, taskKey(w.Task.ID))
			if err != nil {
				return err
			}
			switch {
			case w.Insert && ok:
				return fmt.Errorf("%w: task id=%d", ErrDuplicate, w.Task.ID)
			case !w.Insert && !ok:
				return fmt.Errorf("%w: task id=%d", ErrNotFound, w.Task.ID)
			case !w.Insert && storedTask.Revision != w.Task.Revision:
				return fmt.Errorf("%w: task %d at revision %d, have %d", ErrConcurrentModification, w.Task.ID, storedTask.Revision, w.Task.Revision)
			}
			if ok {
				oldTaskStatus[w.Task.ID] = storedTask.Status
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

		seq, err := tx.LLen(ctx, historyKey(inst.ID)).Result()
		if err != nil {
			return err
		}
		events := make([]interface{}, 0, len(cs.Events))
		for i := range cs.Events {
			seq++
			cs.Events[i].SequenceNo = seq
			data, err := marshal(historyKey(inst.ID), cs.Events[i])
			if err != nil {
				return err
			}
			events = append(events, data)
		}

		nextInst := withRevision(*inst, inst.Revision+1)
		instData, err := marshal(instanceKey(inst.ID), nextInst)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			id := strconv.FormatUint(inst.ID, 10)
			pipe.Set(ctx, instanceKey(inst.ID), instData, 0)
			if cs.InsertInstance {
				pipe.ZAdd(ctx, instancesIndex, &redis.Z{Score: float64(inst.StartTime.UnixMilli()), Member: id})
			} else if stored.Status != inst.Status {
				pipe.SRem(ctx, instanceStatusKey+string(stored.Status), id)
			}
			pipe.SAdd(ctx, instanceStatusKey+string(inst.Status), id)

			for _, w := range cs.Tasks {
				taskID := strconv.FormatUint(w.Task.ID, 10)
				data, err := marshal(taskKey(w.Task.ID), withTaskRevision(*w.Task, w.Task.Revision+1))
				if err != nil {
					return err
				}
				pipe.Set(ctx, taskKey(w.Task.ID), data, 0)
				if w.Insert {
					pipe.ZAdd(ctx, tasksIndex, &redis.Z{Score: float64(w.Task.CreateTime.UnixMilli()), Member: taskID})
				} else if old := oldTaskStatus[w.Task.ID]; old != w.Task.Status {
					pipe.SRem(ctx, taskStatusKey+string(old), taskID)
				}
				pipe.SAdd(ctx, taskStatusKey+string(w.Task.Status), taskID)
			}

			if hasPending {
				pipe.Set(ctx, pendingKey(inst.ID), pendingID, 0)
			} else {
				pipe.Del(ctx, pendingKey(inst.ID))
			}
			if len(events) > 0 {
				pipe.RPush(ctx, historyKey(inst.ID), events...)
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return err
	}
	cs.bump()
	return nil
}

// GetHistory returns the append-only event list of an instance.
func (s *RedisStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return withContext(ctx, func() ([]types.HistoryEvent, error) {
		raw, err := s.client.LRange(ctx, historyKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history of instance %d: %w", instanceID, err)
		}
		events := make([]types.HistoryEvent, 0, len(raw))
		for _, item := range raw {
			var ev types.HistoryEvent
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history of instance %d: %w", instanceID, err)
			}
			events = append(events, ev)
		}
		return events, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
