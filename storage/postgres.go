package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionColumns = `id, code, name, description, business_type, version, status, is_current, steps, created_by, created_at, updated_at, revision`
	instanceColumns   = `id, definition_id, workflow_name, business_type, business_id, status, current_step_index, variables, initiator_id, priority, start_time, end_time, expected_end_time, reason, outcome, revision`
	taskColumns       = `id, instance_id, step_index, name, kind, status, assignee_id, priority, create_time, complete_time, expected_end_time, decision, comment, variables, revision`

	uniqueViolation = "23505"
)

// PostgresStorage is a PostgreSQL implementation of the Store interface.
// Each conditional write runs in one transaction that locks the rows it checks.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStorage)(nil)

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStorage opens a pool and verifies connectivity.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// NewPostgresStorageFromPool wraps an existing pool.
func NewPostgresStorageFromPool(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

// InsertDefinition stores a new definition.
func (s *PostgresStorage) InsertDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.IsCurrent {
		return errors.New("a new definition cannot be current")
	}
	steps, err := toJSON(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13)`,
		def.ID, def.Code, def.Name, def.Description, def.BusinessType, def.Version, string(def.Status),
		def.IsCurrent, steps, def.CreatedBy, def.CreatedAt, def.UpdatedAt, def.Revision+1)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: definition %s v%d", ErrDuplicate, def.Code, def.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	def.Revision++
	return nil
}

// lockDefinition checks the stored revision of a definition under FOR UPDATE.
func lockDefinition(ctx context.Context, tx pgx.Tx, def *types.WorkflowDefinition) (types.DefinitionStatus, error) {
	var rev int64
	var status string
	err := tx.QueryRow(ctx, `SELECT revision, status FROM workflow_definitions WHERE id = $1 FOR UPDATE`, def.ID).Scan(&rev, &status)
	if err != nil {
		return "", notFound(err, "definition id=%d", def.ID)
	}
	if rev != def.Revision {
		return "", fmt.Errorf("%w: definition %d at revision %d, have %d", ErrConcurrentModification, def.ID, rev, def.Revision)
	}
	return types.DefinitionStatus(status), nil
}

// UpdateDefinition rewrites a definition if its revision matches.
func (s *PostgresStorage) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	steps, err := toJSON(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockDefinition(ctx, tx, def); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE workflow_definitions SET
			name = $2, description = $3, business_type = $4, status = $5, is_current = $6,
			steps = $7::jsonb, updated_at = $8, revision = revision + 1
			WHERE id = $1`,
			def.ID, def.Name, def.Description, def.BusinessType, string(def.Status), def.IsCurrent, steps, def.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: code %s already has a current definition", ErrDuplicate, def.Code)
	}
	if err != nil {
		return err
	}
	def.Revision++
	return nil
}

// PublishDefinition clears the old current row and installs def in one transaction.
// Two racing publishes of the same code collide on the partial unique index.
func (s *PostgresStorage) PublishDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.Status != types.DefinitionPublished || !def.IsCurrent {
		return fmt.Errorf("definition %d must be published and current", def.ID)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		status, err := lockDefinition(ctx, tx, def)
		if err != nil {
			return err
		}
		if status != types.DefinitionDraft {
			return fmt.Errorf("%w: definition %d is %s", ErrConcurrentModification, def.ID, status)
		}
		if _, err := tx.Exec(ctx, `UPDATE workflow_definitions
			SET is_current = FALSE, updated_at = $2, revision = revision + 1
			WHERE code = $1 AND is_current AND id <> $3`, def.Code, def.UpdatedAt, def.ID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE workflow_definitions
			SET status = $2, is_current = TRUE, updated_at = $3, revision = revision + 1
			WHERE id = $1`, def.ID, string(types.DefinitionPublished), def.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: code %s published concurrently", ErrConcurrentModification, def.Code)
	}
	if err != nil {
		return err
	}
	def.Revision++
	return nil
}

func scanDefinition(row pgx.Row) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	var status string
	var steps []byte
	err := row.Scan(&def.ID, &def.Code, &def.Name, &def.Description, &def.BusinessType, &def.Version,
		&status, &def.IsCurrent, &steps, &def.CreatedBy, &def.CreatedAt, &def.UpdatedAt, &def.Revision)
	if err != nil {
		return def, err
	}
	def.Status = types.DefinitionStatus(status)
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return def, fmt.Errorf("failed to unmarshal steps of definition %d: %w", def.ID, err)
	}
	return def, nil
}

// GetDefinition retrieves a definition by id.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id))
	return def, notFound(err, "definition id=%d", id)
}

// FindCurrentDefinition returns the current definition of code.
func (s *PostgresStorage) FindCurrentDefinition(ctx context.Context, code string) (types.WorkflowDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE code = $1 AND is_current`, code))
	return def, notFound(err, "current definition code=%s", code)
}

// LatestDefinitionVersion returns the highest stored version of code.
func (s *PostgresStorage) LatestDefinitionVersion(ctx context.Context, code string) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE code = $1`, code).Scan(&v)
	return v, err
}

// conditions accumulates a WHERE clause and its positional arguments.
type conditions struct {
	clauses []string
	args    []interface{}
}

func (c *conditions) add(clause string, arg interface{}) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func (c *conditions) page(req types.PageRequest) string {
	req = req.Normalize()
	c.args = append(c.args, req.Size, req.Offset())
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(c.args)-1, len(c.args))
}

func definitionConditions(f DefinitionFilter) *conditions {
	c := &conditions{}
	if f.Code != "" {
		c.add("code = $%d", f.Code)
	}
	if f.BusinessType != "" {
		c.add("business_type = $%d", f.BusinessType)
	}
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	if f.CurrentOnly {
		c.clauses = append(c.clauses, "is_current")
	}
	return c
}

func instanceConditions(f InstanceFilter) *conditions {
	c := &conditions{}
	if f.BusinessType != "" {
		c.add("business_type = $%d", f.BusinessType)
	}
	if f.BusinessID != 0 {
		c.add("business_id = $%d", f.BusinessID)
	}
	if f.InitiatorID != 0 {
		c.add("initiator_id = $%d", f.InitiatorID)
	}
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	return c
}

func taskConditions(f TaskFilter) *conditions {
	c := &conditions{}
	if f.InstanceID != 0 {
		c.add("instance_id = $%d", f.InstanceID)
	}
	if f.Assignee != nil {
		c.add("assignee_id = $%d", *f.Assignee)
	}
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	return c
}

// listPage runs a count and a paged select with the same conditions.
func listPage[T any](ctx context.Context, pool *pgxpool.Pool, table, columns, order string, c *conditions, req types.PageRequest, scan func(pgx.Row) (T, error)) (types.Page[T], error) {
	req = req.Normalize()
	page := types.Page[T]{Items: []T{}, Page: req.Page, Size: req.Size}
	where := c.where()
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+where, c.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("failed to count %s: %w", table, err)
	}
	limit := c.page(req)
	rows, err := pool.Query(ctx, `SELECT `+columns+` FROM `+table+where+` ORDER BY `+order+limit, c.args...)
	if err != nil {
		return page, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, item)
	}
	return page, rows.Err()
}

func count(ctx context.Context, pool *pgxpool.Pool, table string, c *conditions) (int64, error) {
	var n int64
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+c.where(), c.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// ListDefinitions pages through definitions matching filter.
func (s *PostgresStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter, page types.PageRequest) (types.Page[types.WorkflowDefinition], error) {
	return listPage(ctx, s.pool, "workflow_definitions", definitionColumns, "created_at DESC, id DESC", definitionConditions(filter), page, scanDefinition)
}

func scanInstance(row pgx.Row) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	var status, outcome string
	var vars []byte
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.WorkflowName, &inst.BusinessType, &inst.BusinessID,
		&status, &inst.CurrentStepIndex, &vars, &inst.InitiatorID, &inst.Priority, &inst.StartTime,
		&inst.EndTime, &inst.ExpectedEndTime, &inst.Reason, &outcome, &inst.Revision)
	if err != nil {
		return inst, err
	}
	inst.Status = types.InstanceStatus(status)
	inst.Outcome = types.Outcome(outcome)
	if err := json.Unmarshal(vars, &inst.Variables); err != nil {
		return inst, fmt.Errorf("failed to unmarshal variables of instance %d: %w", inst.ID, err)
	}
	return inst, nil
}

// GetInstance retrieves a workflow instance by id.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	return inst, notFound(err, "instance id=%d", id)
}

// ListInstances pages through instances matching filter.
func (s *PostgresStorage) ListInstances(ctx context.Context, filter InstanceFilter, page types.PageRequest) (types.Page[types.WorkflowInstance], error) {
	return listPage(ctx, s.pool, "workflow_instances", instanceColumns, "start_time DESC, id DESC", instanceConditions(filter), page, scanInstance)
}

// CountInstances counts instances matching filter.
func (s *PostgresStorage) CountInstances(ctx context.Context, filter InstanceFilter) (int64, error) {
	return count(ctx, s.pool, "workflow_instances", instanceConditions(filter))
}

func scanTask(row pgx.Row) (types.WorkflowTask, error) {
	var task types.WorkflowTask
	var kind, status string
	var vars []byte
	err := row.Scan(&task.ID, &task.InstanceID, &task.StepIndex, &task.Name, &kind, &status, &task.AssigneeID,
		&task.Priority, &task.CreateTime, &task.CompleteTime, &task.ExpectedEndTime, &task.Decision,
		&task.Comment, &vars, &task.Revision)
	if err != nil {
		return task, err
	}
	task.Kind = types.TaskKind(kind)
	task.Status = types.TaskStatus(status)
	if err := json.Unmarshal(vars, &task.Variables); err != nil {
		return task, fmt.Errorf("failed to unmarshal variables of task %d: %w", task.ID, err)
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *PostgresStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id))
	return task, notFound(err, "task id=%d", id)
}

// ListTasks pages through tasks matching filter, oldest first.
func (s *PostgresStorage) ListTasks(ctx context.Context, filter TaskFilter, page types.PageRequest) (types.Page[types.WorkflowTask], error) {
	return listPage(ctx, s.pool, "workflow_tasks", taskColumns, "create_time ASC, id ASC", taskConditions(filter), page, scanTask)
}

// CountTasks counts tasks matching filter.
func (s *PostgresStorage) CountTasks(ctx context.Context, filter TaskFilter) (int64, error) {
	return count(ctx, s.pool, "workflow_tasks", taskConditions(filter))
}

// Commit applies a changeset in one transaction. The instance row is locked
// first, which also serialises the history sequence of that instance.
func (s *PostgresStorage) Commit(ctx context.Context, cs *Changeset) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := writeInstance(ctx, tx, cs.Instance, cs.InsertInstance); err != nil {
			return err
		}
		for _, w := range cs.Tasks {
			if err := writeTask(ctx, tx, w.Task, w.Insert); err != nil {
				return err
			}
		}
		var seq int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_no), 0) FROM workflow_history WHERE instance_id = $1`,
			cs.Instance.ID).Scan(&seq); err != nil {
			return err
		}
		for i := range cs.Events {
			seq++
			ev := &cs.Events[i]
			ev.SequenceNo = seq
			payload, err := toJSON(ev.Payload)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO workflow_history
				(instance_id, sequence_no, event_id, kind, task_id, actor_id, ts, payload)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
				ev.InstanceID, ev.SequenceNo, ev.EventID, string(ev.Kind), ev.TaskID, ev.ActorID, ev.Timestamp, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	if err != nil {
		return err
	}
	cs.bump()
	return nil
}

func writeInstance(ctx context.Context, tx pgx.Tx, inst *types.WorkflowInstance, insert bool) error {
	vars, err := toJSON(orEmpty(inst.Variables))
	if err != nil {
		return err
	}
	if insert {
		_, err := tx.Exec(ctx, `INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)`,
			inst.ID, inst.DefinitionID, inst.WorkflowName, inst.BusinessType, inst.BusinessID, string(inst.Status),
			inst.CurrentStepIndex, vars, inst.InitiatorID, inst.Priority, inst.StartTime, inst.EndTime,
			inst.ExpectedEndTime, inst.Reason, string(inst.Outcome), inst.Revision+1)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: instance id=%d", ErrDuplicate, inst.ID)
		}
		return err
	}
	var rev int64
	if err := tx.QueryRow(ctx, `SELECT revision FROM workflow_instances WHERE id = $1 FOR UPDATE`, inst.ID).Scan(&rev); err != nil {
		return notFound(err, "instance id=%d", inst.ID)
	}
	if rev != inst.Revision {
		return fmt.Errorf("%w: instance %d at revision %d, have %d", ErrConcurrentModification, inst.ID, rev, inst.Revision)
	}
	_, err = tx.Exec(ctx, `UPDATE workflow_instances SET
		status = $2, current_step_index = $3, variables = $4::jsonb, end_time = $5, reason = $6,
		outcome = $7, revision = revision + 1
		WHERE id = $1`,
		inst.ID, string(inst.Status), inst.CurrentStepIndex, vars, inst.EndTime, inst.Reason, string(inst.Outcome))
	return err
}

func writeTask(ctx context.Context, tx pgx.Tx, task *types.WorkflowTask, insert bool) error {
	vars, err := toJSON(orEmpty(task.Variables))
	if err != nil {
		return err
	}
	if insert {
		_, err := tx.Exec(ctx, `INSERT INTO workflow_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15)`,
			task.ID, task.InstanceID, task.StepIndex, task.Name, string(task.Kind), string(task.Status),
			task.AssigneeID, task.Priority, task.CreateTime, task.CompleteTime, task.ExpectedEndTime,
			task.Decision, task.Comment, vars, task.Revision+1)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task id=%d", ErrDuplicate, task.ID)
		}
		return err
	}
	var rev int64
	if err := tx.QueryRow(ctx, `SELECT revision FROM workflow_tasks WHERE id = $1 FOR UPDATE`, task.ID).Scan(&rev); err != nil {
		return notFound(err, "task id=%d", task.ID)
	}
	if rev != task.Revision {
		return fmt.Errorf("%w: task %d at revision %d, have %d", ErrConcurrentModification, task.ID, rev, task.Revision)
	}
	_, err = tx.Exec(ctx, `UPDATE workflow_tasks SET
		status = $2, assignee_id = $3, complete_time = $4, decision = $5, comment = $6,
		variables = $7::jsonb, revision = revision + 1
		WHERE id = $1`,
		task.ID, string(task.Status), task.AssigneeID, task.CompleteTime, task.Decision, task.Comment, vars)
	return err
}

func orEmpty(vs types.Variables) types.Variables {
	if vs == nil {
		return types.Variables{}
	}
	return vs
}

// GetHistory returns all events of an instance ordered by sequence number.
func (s *PostgresStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT instance_id, sequence_no, event_id, kind, task_id, actor_id, ts, payload
		FROM workflow_history WHERE instance_id = $1 ORDER BY sequence_no`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of instance %d: %w", instanceID, err)
	}
	defer rows.Close()
	events := []types.HistoryEvent{}
	for rows.Next() {
		var ev types.HistoryEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.InstanceID, &ev.SequenceNo, &ev.EventID, &kind, &ev.TaskID, &ev.ActorID, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		ev.Kind = types.EventKind(kind)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
