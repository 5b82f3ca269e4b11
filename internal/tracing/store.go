package tracing

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"school-registry/internal/ledger"
)

// Span names and attribute keys.
const (
	SpanPrefixLedger = "ledger."

	AttrStudentID    = "ledger.student_id"
	AttrSubmissionID = "ledger.submission_id"
	AttrCaller       = "ledger.caller"
	AttrIDCount      = "ledger.id_count"
)

// WrapStore returns a Store that records one span per ledger call. A nil
// tracer returns store unchanged.
func WrapStore(store ledger.Store, tracer trace.Tracer) ledger.Store {
	if tracer == nil {
		return store
	}
	return &tracedStore{next: store, tracer: tracer}
}

type tracedStore struct {
	next   ledger.Store
	tracer trace.Tracer
}

func (s *tracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, SpanPrefixLedger+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *tracedStore) RegisterStudent(ctx context.Context, from string, id uint64, name string) (ledger.Submission, error) {
	ctx, span := s.start(ctx, "register_student",
		studentAttr(id), attribute.String(AttrCaller, from))
	sub, err := s.next.RegisterStudent(ctx, from, id, name)
	if sub != nil {
		span.SetAttributes(attribute.String(AttrSubmissionID, sub.ID()))
		sub = &tracedSubmission{next: sub, tracer: s.tracer}
	}
	finish(span, err)
	return sub, err
}

func (s *tracedStore) RemoveStudent(ctx context.Context, from string, id uint64) (ledger.Submission, error) {
	ctx, span := s.start(ctx, "remove_student",
		studentAttr(id), attribute.String(AttrCaller, from))
	sub, err := s.next.RemoveStudent(ctx, from, id)
	if sub != nil {
		span.SetAttributes(attribute.String(AttrSubmissionID, sub.ID()))
		sub = &tracedSubmission{next: sub, tracer: s.tracer}
	}
	finish(span, err)
	return sub, err
}

func (s *tracedStore) GetStudent(ctx context.Context, id uint64) (ledger.Student, error) {
	ctx, span := s.start(ctx, "get_student", studentAttr(id))
	st, err := s.next.GetStudent(ctx, id)
	finish(span, err)
	return st, err
}

func (s *tracedStore) GetAllStudentIDs(ctx context.Context) ([]uint64, error) {
	ctx, span := s.start(ctx, "get_all_student_ids")
	ids, err := s.next.GetAllStudentIDs(ctx)
	span.SetAttributes(attribute.Int(AttrIDCount, len(ids)))
	finish(span, err)
	return ids, err
}

func (s *tracedStore) Admin(ctx context.Context) (string, error) {
	ctx, span := s.start(ctx, "admin")
	admin, err := s.next.Admin(ctx)
	finish(span, err)
	return admin, err
}

type tracedSubmission struct {
	next   ledger.Submission
	tracer trace.Tracer
}

func (s *tracedSubmission) ID() string { return s.next.ID() }

func (s *tracedSubmission) AwaitCommit(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, SpanPrefixLedger+"await_commit",
		trace.WithAttributes(attribute.String(AttrSubmissionID, s.next.ID())))
	err := s.next.AwaitCommit(ctx)
	finish(span, err)
	return err
}

// Ids are uint64 and do not fit an Int64 attribute.
func studentAttr(id uint64) attribute.KeyValue {
	return attribute.String(AttrStudentID, strconv.FormatUint(id, 10))
}
