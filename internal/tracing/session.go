package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys for session tracing.
const (
	AttrWorkerID      = "worker.id"
	AttrTaskID        = "task.id"
	AttrWorkspace     = "workspace.name"
	AttrSessionID     = "session.id"
	AttrEngineClient  = "engine.client"
	AttrResultSubtype = "result.subtype"
	AttrErrorMessage  = "error.message"
)

// Span names for the per-session trace tree.
const (
	SpanSessionRun      = "session.run"
	SpanSessionClaim    = "session.claim"
	SpanSessionPrompt   = "session.prompt"
	SpanSessionEvents   = "session.events"
	SpanSessionGitStats = "session.gitstats"
)

// Manager hands out per-session traces. A nil Manager is valid and
// produces no spans, so callers never need to branch on tracing state.
type Manager struct {
	tracer trace.Tracer
}

// NewManager wraps a tracer for session span creation.
func NewManager(tracer trace.Tracer) *Manager {
	if tracer == nil {
		return nil
	}
	return &Manager{tracer: tracer}
}

// StartSession opens the root session.run span for one worker's session.
// The returned context parents all child spans.
func (m *Manager) StartSession(ctx context.Context, workerID, taskID string) (context.Context, *SessionTrace) {
	if m == nil {
		return ctx, nil
	}
	ctx, span := m.tracer.Start(ctx, SpanSessionRun,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String(AttrWorkerID, workerID),
		attribute.String(AttrTaskID, taskID),
	)
	return ctx, &SessionTrace{tracer: m.tracer, root: span}
}

// SessionTrace tracks one agent session's span tree. All methods are
// nil-safe.
type SessionTrace struct {
	tracer trace.Tracer
	root   trace.Span
}

// StartChild opens a child span. Pass the context returned by
// StartSession (or a descendant) so parenting holds.
func (s *SessionTrace) StartChild(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil {
		return ctx, noop.Span{}
	}
	return s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

// SetAttribute records a string attribute on the root session span.
func (s *SessionTrace) SetAttribute(key, value string) {
	if s == nil || value == "" {
		return
	}
	s.root.SetAttributes(attribute.String(key, value))
}

// SetResultSubtype records the engine result subtype on the root span.
func (s *SessionTrace) SetResultSubtype(subtype string) {
	s.SetAttribute(AttrResultSubtype, subtype)
}

// End closes the root span, recording err when non-nil.
func (s *SessionTrace) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.root.RecordError(err)
		s.root.SetStatus(codes.Error, err.Error())
	} else {
		s.root.SetStatus(codes.Ok, "")
	}
	s.root.End()
}
