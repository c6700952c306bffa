package audit

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/taskward/pkg/observability"
)

const (
	accessTargetID    = "0"
	accessTargetLabel = "System Access"
	anonymousActor    = "System/Anonymous"

	maxSummaryLen   = 2000
	maxPathLen      = 255
	maxUserAgentLen = 512
)

// Recorder stamps, deduplicates and appends audit records
type Recorder struct {
	store   Store
	guard   *DedupGuard
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a recorder. A nil guard admits every record.
func NewRecorder(store Store, guard *DedupGuard, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		store:   store,
		guard:   guard,
		logger:  observability.OrDefault(logger).WithField("component", "audit.recorder"),
		metrics: metrics,
	}
}

// Record fills actor, ip, result, timestamp and content hash from exec and
// writes rec. It returns nil without error when the dedup guard rejects
// the record.
func (r *Recorder) Record(ctx context.Context, exec Exec, rec *Record) (*Record, error) {
	ctx, span := observability.StartSpan(ctx, "audit.Record", trace.WithAttributes(
		attribute.String("audit.action", string(rec.Action)),
		attribute.String("audit.target_type", rec.TargetType),
		attribute.String("audit.target_id", rec.TargetID),
	))
	defer span.End()

	if !rec.Action.Valid() {
		return nil, fmt.Errorf("invalid audit action %q", rec.Action)
	}
	r.stamp(exec, rec)

	hash, err := ContentHash(rec.Details)
	if err != nil {
		return nil, err
	}
	rec.ContentHash = hash

	if r.guard != nil {
		admitted, err := r.guard.Admit(ctx, rec)
		if err != nil {
			span.RecordError(err)
			r.failed(exec, rec, err)
			return nil, err
		}
		if !admitted {
			span.SetAttributes(attribute.Bool("audit.deduplicated", true))
			return nil, nil
		}
	}

	if err := r.store.Append(ctx, rec); err != nil {
		span.RecordError(err)
		if r.guard != nil {
			r.guard.Release(ctx, rec)
		}
		r.failed(exec, rec, err)
		return nil, err
	}

	r.metrics.AuditWritten(string(rec.Action))
	r.logger.WithFields(map[string]interface{}{
		"audit_id":    rec.ID,
		"action":      string(rec.Action),
		"target_type": rec.TargetType,
		"target_id":   rec.TargetID,
		"request_id":  exec.RequestID,
	}).Debug("audit record written")
	return rec, nil
}

func (r *Recorder) stamp(exec Exec, rec *Record) {
	if rec.ActorID == nil {
		rec.ActorID = exec.actorID()
	}
	if rec.ActorName == "" {
		rec.ActorName = exec.ActorName()
	}
	if rec.IP == "" {
		rec.IP = exec.IP
	}
	if rec.Result == "" {
		rec.Result = ResultSuccess
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = exec.now()
	}
}

func (r *Recorder) failed(exec Exec, rec *Record, err error) {
	r.metrics.AuditWriteFailed(string(rec.Action))
	r.logger.WithError(err).WithFields(map[string]interface{}{
		"action":      string(rec.Action),
		"target_type": rec.TargetType,
		"target_id":   rec.TargetID,
		"request_id":  exec.RequestID,
	}).Error("failed to write audit record")
}

// LogAccess writes a request-level access entry. Access entries use the
// AccessLog target and never show in entity history.
func (r *Recorder) LogAccess(ctx context.Context, exec Exec, action Action, summary string, data map[string]interface{}) (*Record, error) {
	actx := &AccessContext{
		Path:      truncate(exec.Path, maxPathLen),
		Method:    exec.Method,
		UserAgent: truncate(exec.UserAgent, maxUserAgentLen),
	}
	if !exec.Started.IsZero() {
		elapsed := exec.now().Sub(exec.Started) / time.Millisecond
		ms := int64(elapsed)
		actx.ElapsedMS = &ms
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	rec := &Record{
		Action:      action,
		TargetType:  AccessLogTarget,
		TargetID:    accessTargetID,
		TargetLabel: accessTargetLabel,
		Summary:     truncate(summary, maxSummaryLen),
		Details:     Details{Context: actx, Data: data},
	}
	if exec.actor() == nil {
		rec.ActorName = anonymousActor
	}
	return r.Record(ctx, exec, rec)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
