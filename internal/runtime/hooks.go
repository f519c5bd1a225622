package runtime

import (
	"context"
	"time"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

// Delivery describes the message a handler is working on.
type Delivery struct {
	Consumer string
	Topic    string
	// Attempt counts handler invocations for this message, starting at 1.
	Attempt int
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery a handler context belongs to.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the name of the consumer processing the job.
	HandlerName string
	// Topic is the topic the message was received from.
	Topic       string
	MessageUUID string
	Schema      string
	Metadata    metadatapkg.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// RetryCount is the number of earlier handler invocations for this message.
	RetryCount int
}

// JobHooks defines callbacks for job lifecycle events. Nil hooks are skipped.
type JobHooks struct {
	// OnJobStart runs before the handler.
	OnJobStart func(ctx JobContext)
	// OnJobDone runs after the handler returned nil.
	OnJobDone func(ctx JobContext)
	// OnJobError runs after the handler returned an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every handler call.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env envelopepkg.Envelope) error {
			jobCtx := JobContext{
				MessageUUID: env.UUID,
				Schema:      env.SchemaName(),
				Metadata:    env.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
			}
			if d, ok := DeliveryFromContext(ctx); ok {
				jobCtx.HandlerName = d.Consumer
				jobCtx.Topic = d.Topic
				if d.Attempt > 1 {
					jobCtx.RetryCount = d.Attempt - 1
				}
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := h(ctx, env)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return err
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"retry_count":  ctx.RetryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"retry_count":  ctx.RetryCount,
			})
		},
	}
}

// MetricsHooks returns hooks that forward handler name and topic to the given
// callbacks.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every failed job.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
