package repo

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("automerge.repo")

var (
	changesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automerge_repo_changes_applied_total",
		Help: "Number of changes applied to documents",
	}, []string{"origin"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automerge_repo_apply_duration_seconds",
		Help:    "Time to apply a batch of changes and persist the document",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"origin"})

	syncMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automerge_repo_sync_messages_total",
		Help: "Number of sync messages generated and received",
	}, []string{"direction"})

	syncMessageSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automerge_repo_sync_message_bytes",
		Help:    "Size of sync messages",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	documentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automerge_repo_documents_open",
		Help: "Number of documents held in memory",
	})
)

func startSpan(ctx context.Context, name, doc string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("automerge.doc", doc)))
}
