// Package ctxlog propagates the identity of an in-flight enrichment delivery
// (trace, job, entity, task kind) through context.Context and into structured
// log records, including across goroutine and worker-pool hand-offs.
package ctxlog

import (
	"context"

	"go.uber.org/zap"
)

type scopeKey struct{}

// Scope holds the identity fields that every log record during one delivery
// must carry (spec C1). Scopes nest: With returns a context whose Scope is
// the parent merged with the supplied overrides.
type Scope struct {
	TraceID  string
	JobID    string
	EntityID string
	TaskKind string
	Tags     map[string]string
}

func (s Scope) fields() []zap.Field {
	f := make([]zap.Field, 0, 4+len(s.Tags))
	if s.TraceID != "" {
		f = append(f, zap.String("trace_id", s.TraceID))
	}
	if s.JobID != "" {
		f = append(f, zap.String("job_id", s.JobID))
	}
	if s.EntityID != "" {
		f = append(f, zap.String("entity_id", s.EntityID))
	}
	if s.TaskKind != "" {
		f = append(f, zap.String("task_kind", s.TaskKind))
	}
	for k, v := range s.Tags {
		f = append(f, zap.String(k, v))
	}
	return f
}

// From returns the Scope active on ctx, or the zero Scope if none was set.
func From(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}

// With nests a new scope under ctx's current scope: fields left zero in
// override inherit the parent's value. Exiting back to ctx (i.e. simply not
// using the returned context) restores the prior scope, since nothing is
// mutated in place.
func With(ctx context.Context, override Scope) context.Context {
	base := From(ctx)
	merged := base
	if override.TraceID != "" {
		merged.TraceID = override.TraceID
	}
	if override.JobID != "" {
		merged.JobID = override.JobID
	}
	if override.EntityID != "" {
		merged.EntityID = override.EntityID
	}
	if override.TaskKind != "" {
		merged.TaskKind = override.TaskKind
	}
	if len(override.Tags) > 0 {
		tags := make(map[string]string, len(base.Tags)+len(override.Tags))
		for k, v := range base.Tags {
			tags[k] = v
		}
		for k, v := range override.Tags {
			tags[k] = v
		}
		merged.Tags = tags
	}
	return context.WithValue(ctx, scopeKey{}, merged)
}

// WithTag attaches one additional tag to the scope, nesting per With's rules.
func WithTag(ctx context.Context, key, value string) context.Context {
	return With(ctx, Scope{Tags: map[string]string{key: value}})
}

var base *zap.Logger = zap.NewNop()

// SetBase installs the process-wide base logger that Logger(ctx) derives
// per-call loggers from. Call once during C14 startup.
func SetBase(l *zap.Logger) {
	if l != nil {
		base = l
	}
}

// Logger returns a *zap.Logger pre-populated with every field in ctx's
// active scope. Safe to call repeatedly; cheap (zap.With is O(fields)).
func Logger(ctx context.Context) *zap.Logger {
	return base.With(From(ctx).fields()...)
}
