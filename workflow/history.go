package workflow

import (
	"context"

	"github.com/songzhibin97/approval-engine/types"
	"go.opentelemetry.io/otel/attribute"
)

// GetWorkflowHistory returns the audit log of an instance ordered by sequence
// number. Transfer chains and suspend/resume cycles appear as recorded.
func (e *Engine) GetWorkflowHistory(ctx context.Context, instanceID uint64) (_ []types.HistoryEvent, err error) {
	ctx, op := e.begin(ctx, "GetWorkflowHistory", attribute.Int64("instance.id", int64(instanceID)))
	defer func() { op.end(true, err) }()

	if _, err := e.loadInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	history, err := e.store.GetHistory(ctx, instanceID)
	if err != nil {
		return nil, storeError(err, nil, "history of instance %d", instanceID)
	}
	return history, nil
}
