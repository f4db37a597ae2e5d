package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// Action is the work behind a system_task step. The returned variables are
// merged into the instance and snapshotted on the task.
type Action interface {
	Execute(ctx context.Context, vars types.Variables) (types.Variables, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, vars types.Variables) (types.Variables, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, vars types.Variables) (types.Variables, error) {
	return f(ctx, vars)
}

// RegisterAction registers an action for use by system_task steps.
func (e *Engine) RegisterAction(ctx context.Context, name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.actions[name] = action
		return nil
	}
}

func (e *Engine) action(name string) (Action, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	action, ok := e.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotRegistered, name)
	}
	return action, nil
}

// executeActionWithRetry runs action with up to maxRetries extra attempts.
func (e *Engine) executeActionWithRetry(ctx context.Context, name string, action Action, vars types.Variables) (types.Variables, error) {
	var lastErr error
	for i := 0; i <= e.maxRetries; i++ { // Total attempts = 1 initial + maxRetries
		out, err := action.Execute(ctx, vars.Clone())
		if err == nil {
			return out, nil
		}
		lastErr = err
		e.logger.Warn().Err(err).Str("action", name).Int("attempt", i+1).Msg("system action failed")
		if i < e.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("action %q failed after %d retries: %w", name, e.maxRetries, lastErr)
}
