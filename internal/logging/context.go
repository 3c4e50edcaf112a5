package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	repoCtxKey     struct{}
	prCtxKey       struct{}
	passCtxKey     struct{}
	deliveryCtxKey struct{}
	loggerCtxKey   struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if repo := RepositoryFromContext(ctx); repo != "" {
		fields = append(fields, zap.String("repo", repo))
	}
	if n := PullRequestFromContext(ctx); n > 0 {
		fields = append(fields, zap.Int("pr.number", n))
	}
	if id := PassIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("pass.id", id))
	}
	if id := DeliveryIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("delivery.id", id))
	}
	return fields
}

// WithRepository tags ctx with an "owner/name" repository.
func WithRepository(ctx context.Context, fullName string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, fullName)
}

// RepositoryFromContext returns the repository set with WithRepository.
func RepositoryFromContext(ctx context.Context) string {
	s, _ := ctx.Value(repoCtxKey{}).(string)
	return s
}

// WithPullRequest tags ctx with the triggering pull request number.
func WithPullRequest(ctx context.Context, number int) context.Context {
	return context.WithValue(ctx, prCtxKey{}, number)
}

// PullRequestFromContext returns the number set with WithPullRequest, or 0.
func PullRequestFromContext(ctx context.Context) int {
	n, _ := ctx.Value(prCtxKey{}).(int)
	return n
}

// WithPassID tags ctx with a reconciliation pass identifier.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passCtxKey{}, id)
}

// PassIDFromContext returns the pass identifier, or "".
func PassIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(passCtxKey{}).(string)
	return s
}

// WithDeliveryID tags ctx with a webhook delivery identifier.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryCtxKey{}, id)
}

// DeliveryIDFromContext returns the webhook delivery identifier, or "".
func DeliveryIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(deliveryCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
