package core

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Logger is the structured logging surface used by the registry and stacks.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock supplies the current time for pushes that do not carry a timestamp.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes the outcome and latency of registry and stack
// operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around registry and stack operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type options struct {
	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
}

// Option customises a Registry.
type Option func(*options)

// WithLogger routes tolerated failures and lifecycle events to logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used when Push receives a zero
// timestamp.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func defaultOptions() options {
	return options{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
}

// observe wraps one operation with a span and a metrics observation. Callers
// assign the operation's error to *errp before the deferred call runs.
func (o *options) observe(ctx context.Context, operation string) (context.Context, func(errp *error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, operation)
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		span.End(err)
		o.metrics.Observe(ctx, operation, err == nil, time.Since(start))
	}
}
