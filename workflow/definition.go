package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"go.opentelemetry.io/otel/attribute"
)

// CreateDefinition stores def as the next draft version of its code.
// ID, Version, Status, IsCurrent, timestamps and Revision are assigned here.
func (e *Engine) CreateDefinition(ctx context.Context, def types.WorkflowDefinition) (_ *types.WorkflowDefinition, err error) {
	ctx, op := e.begin(ctx, "CreateDefinition", attribute.String("definition.code", def.Code))
	defer func() { op.end(true, err) }()

	def.Code = strings.TrimSpace(def.Code)
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	latest, err := e.store.LatestDefinitionVersion(ctx, def.Code)
	if err != nil {
		return nil, storeError(err, nil, "latest version of %s", def.Code)
	}
	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	def.ID = id
	def.Version = latest + 1
	def.Status = types.DefinitionDraft
	def.IsCurrent = false
	def.Steps = append([]types.StepTemplate(nil), def.Steps...)
	def.CreatedAt = now
	def.UpdatedAt = now
	def.Revision = 0

	if err := e.store.InsertDefinition(ctx, &def); err != nil {
		return nil, storeError(err, nil, "insert definition %s v%d", def.Code, def.Version)
	}
	e.logger.Info().Uint64("definition_id", def.ID).Str("code", def.Code).Int("version", def.Version).Msg("definition created")
	return &def, nil
}

func validateDefinition(def types.WorkflowDefinition) error {
	if def.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, def.Code)
	}
	for i, step := range def.Steps {
		switch {
		case !step.Kind.Valid():
			return fmt.Errorf("%w: step %d has unknown kind %q", ErrInvalidDefinition, i, step.Kind)
		case step.Kind.RequiresHumanAssignee() && step.AssignmentRule == "":
			return fmt.Errorf("%w: step %d needs an assignment rule", ErrInvalidDefinition, i)
		case step.Kind.AutoExecutes() && step.Action == "":
			return fmt.Errorf("%w: step %d needs an action", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// PublishDefinition makes a draft the current version of its code. The
// previous current version loses IsCurrent in the same atomic store write.
// It returns false when the definition is not a draft or has no steps.
func (e *Engine) PublishDefinition(ctx context.Context, id uint64) (ok bool, err error) {
	ctx, op := e.begin(ctx, "PublishDefinition", attribute.Int64("definition.id", int64(id)))
	defer func() { op.end(ok, err) }()

	def, err := e.loadDefinition(ctx, id)
	if err != nil {
		return false, err
	}
	if !def.Status.CanTransition(types.DefinitionPublished) {
		return e.reject("PublishDefinition", "definition is not a draft", map[string]interface{}{"definition_id": id, "status": def.Status})
	}
	if len(def.Steps) == 0 {
		return e.reject("PublishDefinition", "definition has no steps", map[string]interface{}{"definition_id": id})
	}

	def.Status = types.DefinitionPublished
	def.IsCurrent = true
	def.UpdatedAt = e.now()
	if err := e.store.PublishDefinition(ctx, &def); err != nil {
		return false, storeError(err, ErrDefinitionNotFound, "publish definition %d", id)
	}
	e.logger.Info().Uint64("definition_id", id).Str("code", def.Code).Int("version", def.Version).Msg("definition published")
	return true, nil
}

// DeprecateDefinition retires a published definition. Running instances keep
// using it; new instances can no longer start from it.
func (e *Engine) DeprecateDefinition(ctx context.Context, id uint64) (ok bool, err error) {
	ctx, op := e.begin(ctx, "DeprecateDefinition", attribute.Int64("definition.id", int64(id)))
	defer func() { op.end(ok, err) }()

	def, err := e.loadDefinition(ctx, id)
	if err != nil {
		return false, err
	}
	if !def.Status.CanTransition(types.DefinitionDeprecated) {
		return e.reject("DeprecateDefinition", "definition is not published", map[string]interface{}{"definition_id": id, "status": def.Status})
	}

	def.Status = types.DefinitionDeprecated
	def.IsCurrent = false
	def.UpdatedAt = e.now()
	if err := e.store.UpdateDefinition(ctx, &def); err != nil {
		return false, storeError(err, ErrDefinitionNotFound, "deprecate definition %d", id)
	}
	return true, nil
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (*types.WorkflowDefinition, error) {
	def, err := e.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetCurrentDefinition returns the published current version of code.
func (e *Engine) GetCurrentDefinition(ctx context.Context, code string) (*types.WorkflowDefinition, error) {
	def, err := e.store.FindCurrentDefinition(ctx, code)
	if err != nil {
		return nil, storeError(err, ErrDefinitionNotFound, "current definition of %s", code)
	}
	return &def, nil
}

// ListDefinitions pages through definitions, newest first.
func (e *Engine) ListDefinitions(ctx context.Context, filter storage.DefinitionFilter, page types.PageRequest) (types.Page[types.WorkflowDefinition], error) {
	res, err := e.store.ListDefinitions(ctx, filter, page)
	if err != nil {
		return types.Page[types.WorkflowDefinition]{}, storeError(err, nil, "list definitions")
	}
	return res, nil
}
