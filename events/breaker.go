package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/sony/gobreaker/v2"
)

// BreakerOptions configures a BreakerSink.
type BreakerOptions struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	Logger      zerolog.Logger
}

// BreakerSink stops calling a failing downstream sink until it recovers.
// While open, Deliver fails fast with gobreaker.ErrOpenState.
type BreakerSink struct {
	next Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

var _ Sink = (*BreakerSink)(nil)

// NewBreakerSink wraps next with a circuit breaker.
func NewBreakerSink(next Sink, opts BreakerOptions) *BreakerSink {
	if opts.Name == "" {
		opts.Name = "event-sink"
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger := opts.Logger
	maxFailures := opts.MaxFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("event sink breaker changed state")
		},
	})
	return &BreakerSink{next: next, cb: cb}
}

// Deliver forwards event through the breaker.
func (b *BreakerSink) Deliver(ctx context.Context, event types.HistoryEvent) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Deliver(ctx, event)
	})
	return err
}

// State reports the breaker state, mainly for health endpoints.
func (b *BreakerSink) State() gobreaker.State {
	return b.cb.State()
}
