package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPriority is the priority of instances started without an override.
	DefaultPriority = 3
	// DefaultDeadline is added to the start time to derive ExpectedEndTime.
	DefaultDeadline = 7 * 24 * time.Hour

	tracerName = "github.com/songzhibin97/approval-engine/workflow"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc is a function adapter for Clock.
type ClockFunc func() time.Time

// Now implements the Clock interface.
func (f ClockFunc) Now() time.Time { return f() }

// Observer receives the outcome of every engine operation.
// outcome is one of "ok", "rejected" or "error".
type Observer interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}

// Engine orchestrates definitions, instances and tasks on top of a Store.
// It keeps no workflow state in process; the store is the only source of truth.
type Engine struct {
	store    storage.Store
	resolver rules.Resolver
	generate generator.Generator
	clock    Clock
	sink     events.Sink
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer

	actions map[string]Action
	mu      sync.RWMutex

	defaultPriority int
	defaultDeadline time.Duration
	maxRetries      int
	retryDelay      time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventSink forwards every committed history event to sink.
func WithEventSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithObserver reports operation outcomes, typically to metrics.
func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

// WithDefaultPriority sets the priority given to new instances.
func WithDefaultPriority(priority int) Option {
	return func(e *Engine) {
		if priority > 0 {
			e.defaultPriority = priority
		}
	}
}

// WithDefaultDeadline sets how far ExpectedEndTime lies after the start time.
func WithDefaultDeadline(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultDeadline = d
		}
	}
}

// WithRetry sets how often a failing system action is retried and the delay between attempts.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if delay >= 0 {
			e.retryDelay = delay
		}
	}
}

// NewEngine creates an Engine. A nil store falls back to MemoryStorage and a
// nil resolver to the expression resolver.
func NewEngine(generate generator.Generator, store storage.Store, resolver rules.Resolver, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if resolver == nil {
		resolver = rules.NewExprResolver()
	}

	e := &Engine{
		store:           store,
		resolver:        resolver,
		generate:        generate,
		clock:           ClockFunc(time.Now),
		logger:          zerolog.Nop(),
		tracer:          otel.Tracer(tracerName),
		actions:         make(map[string]Action),
		defaultPriority: DefaultPriority,
		defaultDeadline: DefaultDeadline,
		maxRetries:      3,
		retryDelay:      time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// operation tracks one public call for tracing and metrics.
type operation struct {
	e     *Engine
	name  string
	span  trace.Span
	start time.Time
}

func (e *Engine) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := e.tracer.Start(ctx, "workflow."+name, trace.WithAttributes(attrs...))
	return ctx, &operation{e: e, name: name, span: span, start: time.Now()}
}

// end closes the span; ok=false with a nil error records a business-rule rejection.
func (op *operation) end(ok bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
	case !ok:
		outcome = "rejected"
		op.span.SetStatus(codes.Ok, "rejected")
	default:
		op.span.SetStatus(codes.Ok, "")
	}
	op.span.End()
	if op.e.observer != nil {
		op.e.observer.ObserveOperation(op.name, outcome, time.Since(op.start))
	}
}

// reject logs a business-rule refusal and returns the false result.
func (e *Engine) reject(op string, reason string, fields map[string]interface{}) (bool, error) {
	e.logger.Debug().Str("operation", op).Fields(fields).Msg(reason)
	return false, nil
}

func (e *Engine) newEvent(inst *types.WorkflowInstance, kind types.EventKind, taskID, actorID uint64, payload types.EventPayload) types.HistoryEvent {
	return types.HistoryEvent{
		EventID:    uuid.NewString(),
		InstanceID: inst.ID,
		Kind:       kind,
		TaskID:     taskID,
		ActorID:    actorID,
		Timestamp:  e.now(),
		Payload:    payload,
	}
}

// commit applies cs and then hands its events to the sink.
func (e *Engine) commit(ctx context.Context, cs *storage.Changeset) error {
	if err := e.store.Commit(ctx, cs); err != nil {
		return storeError(err, ErrInstanceNotFound, "commit instance %d", cs.Instance.ID)
	}
	e.deliver(ctx, cs.Events)
	return nil
}

// deliver forwards events to the sink. Sink failures are logged and never returned.
func (e *Engine) deliver(ctx context.Context, evs []types.HistoryEvent) {
	if e.sink == nil {
		return
	}
	for _, ev := range evs {
		if err := e.sink.Deliver(ctx, ev); err != nil {
			e.logger.Warn().
				Err(err).
				Str("event_id", ev.EventID).
				Str("kind", string(ev.Kind)).
				Uint64("instance_id", ev.InstanceID).
				Msg("event sink delivery failed")
		}
	}
}

func (e *Engine) loadDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, storeError(err, ErrDefinitionNotFound, "definition %d", id)
	}
	return def, nil
}

func (e *Engine) loadInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return types.WorkflowInstance{}, storeError(err, ErrInstanceNotFound, "instance %d", id)
	}
	return inst, nil
}

// pendingTask returns the pending task of an instance, if any.
func (e *Engine) pendingTask(ctx context.Context, instanceID uint64) (types.WorkflowTask, bool, error) {
	page, err := e.store.ListTasks(ctx, storage.TaskFilter{InstanceID: instanceID, Status: types.TaskPending}, types.PageRequest{Page: 1, Size: 1})
	if err != nil {
		return types.WorkflowTask{}, false, storeError(err, nil, "pending task of instance %d", instanceID)
	}
	if len(page.Items) == 0 {
		return types.WorkflowTask{}, false, nil
	}
	return page.Items[0], true, nil
}
