package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded by the control plane. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	admissionRejections metric.Int64Counter
	challenges          metric.Int64Counter
	batchItems          metric.Int64Counter
	transitions         metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	rejections, err := meter.Int64Counter("admission.rejections",
		metric.WithDescription("Requests rejected by an admission controller"))
	if err != nil {
		return nil, err
	}
	challenges, err := meter.Int64Counter("challenge.transitions",
		metric.WithDescription("Challenge lifecycle transitions"))
	if err != nil {
		return nil, err
	}
	items, err := meter.Int64Counter("batch.items",
		metric.WithDescription("Background batch items processed"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("process.transitions",
		metric.WithDescription("Process status transitions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		admissionRejections: rejections,
		challenges:          challenges,
		batchItems:          items,
		transitions:         transitions,
	}, nil
}

func (m *Metrics) AdmissionRejected(ctx context.Context, controller, reason string) {
	if m == nil {
		return
	}
	m.admissionRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("controller", controller),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) ChallengeTransition(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.challenges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) BatchItem(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !ok {
		outcome = "failed"
	}
	m.batchItems.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) ProcessTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
