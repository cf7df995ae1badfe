package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/pkg/jobs"
)

// AuditJobType identifies audit entries on the job queue.
const AuditJobType = "audit.write"

const (
	auditResourceFile    = "grd_file"
	auditResourceEpisode = "episode"
)

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditQueue interface {
	Running() bool
	Enqueue(job jobs.Job) error
}

// auditRecorder is what workflow services need from the audit trail.
type auditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// RequestMeta carries caller network details into audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type requestMetaKey struct{}

// WithRequestMeta attaches caller metadata to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func requestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// AuditTrail writes audit entries asynchronously through a job queue and falls back
// to a synchronous write when the queue is unavailable. Recording never fails the caller.
type AuditTrail struct {
	repo    auditWriter
	queue   auditQueue
	metrics *MetricsService
	logger  *zap.Logger
}

// NewAuditTrail constructs the audit trail.
func NewAuditTrail(repo auditWriter, metrics *MetricsService, logger *zap.Logger) *AuditTrail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditTrail{repo: repo, metrics: metrics, logger: logger}
}

// AttachQueue routes subsequent entries through q.
func (a *AuditTrail) AttachQueue(q auditQueue) {
	a.queue = q
}

// Record stores entry, enriching it with request metadata from ctx.
func (a *AuditTrail) Record(ctx context.Context, entry *models.AuditLog) {
	if a == nil || entry == nil {
		return
	}
	meta := requestMetaFrom(ctx)
	if entry.IPAddress == "" {
		entry.IPAddress = meta.IP
	}
	if entry.UserAgent == "" {
		entry.UserAgent = meta.UserAgent
	}

	if a.queue != nil && a.queue.Running() {
		err := a.queue.Enqueue(jobs.Job{Type: AuditJobType, Payload: entry})
		if err == nil {
			return
		}
		a.logger.Warn("audit enqueue failed, writing synchronously", zap.String("action", entry.Action), zap.Error(err))
	}

	if err := a.repo.CreateAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		a.metrics.RecordAuditFailure()
		a.logger.Error("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

// Handle is the job queue handler persisting queued entries.
func (a *AuditTrail) Handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		a.logger.Error("unexpected audit payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}
	if err := a.repo.CreateAuditLog(ctx, entry); err != nil {
		a.metrics.RecordAuditFailure()
		return err
	}
	return nil
}

func newAuditEntry(actor models.Actor, action, resource, resourceID string, oldValues, newValues interface{}) *models.AuditLog {
	entry := &models.AuditLog{
		Action:   action,
		Resource: resource,
	}
	if actor.UserID != "" {
		userID := actor.UserID
		entry.UserID = &userID
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	entry.OldValues = marshalAudit(oldValues)
	entry.NewValues = marshalAudit(newValues)
	return entry
}

func marshalAudit(v interface{}) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
