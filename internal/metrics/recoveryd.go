package metrics

import (
	"context"
	"log/slog"

	"recoveryd/internal/store"
)

// Recorder turns recovery audit entries into metrics. It implements the
// recovery audit sink.
type Recorder struct {
	registry *Registry
}

// NewRecorder creates a Recorder backed by registry.
func NewRecorder(registry *Registry) *Recorder {
	return &Recorder{registry: registry}
}

// Emit records one audit entry.
func (m *Recorder) Emit(ctx context.Context, e *store.AuditEntry) {
	severity := string(e.Severity)
	if severity == "" {
		severity = string(store.SeverityInfo)
	}
	m.registry.Counter("audit_events_total", "Recovery audit events by type",
		Labels{"event": e.EventType, "severity": severity}).Inc()

	if score, ok := e.Details["similarity_score"].(float64); ok {
		typ, _ := e.Details["challenge_type"].(string)
		m.registry.Histogram("similarity_score", "Similarity of evaluated challenge responses",
			Labels{"type": typ}, ScoreBuckets).Observe(score)
	}
	if risk, ok := e.Details["overall_risk"].(float64); ok {
		m.registry.Histogram("adversarial_risk", "Risk of rejected submissions",
			nil, ScoreBuckets).Observe(risk)
	}
}

// OutboxLister lists anchoring outbox rows.
type OutboxLister interface {
	PendingByStatus(ctx context.Context, status string) ([]*store.PendingCommitment, error)
}

// CollectOutbox refreshes the anchoring outbox gauges on every scrape.
func CollectOutbox(registry *Registry, st OutboxLister, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	pending := registry.Gauge("anchoring_outbox", "Commitments waiting to be anchored",
		Labels{"status": store.PendingStatusPending})
	failed := registry.Gauge("anchoring_outbox", "Commitments waiting to be anchored",
		Labels{"status": store.PendingStatusFailed})

	registry.OnCollect(func(ctx context.Context) {
		for status, g := range map[string]*Gauge{
			store.PendingStatusPending: pending,
			store.PendingStatusFailed:  failed,
		} {
			rows, err := st.PendingByStatus(ctx, status)
			if err != nil {
				logger.Warn("collect outbox metrics", "status", status, "error", err)
				continue
			}
			g.Set(int64(len(rows)))
		}
	})
}
