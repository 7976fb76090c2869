package notify

import (
	"context"
	"fmt"

	"EnergyLedger/internal/observability"
)

// AuditNotifier forwards events to the audit writer's channel without
// blocking. A full channel drops the event and counts it.
type AuditNotifier struct {
	out     chan<- Event
	metrics *observability.Metrics
}

func NewAuditNotifier(out chan<- Event, metrics *observability.Metrics) *AuditNotifier {
	return &AuditNotifier{out: out, metrics: metrics}
}

func (a *AuditNotifier) Publish(_ context.Context, evt Event) error {
	select {
	case a.out <- evt:
		return nil
	default:
		a.metrics.PublishDrops.Inc()
		return fmt.Errorf("%w: audit %s %s", ErrBufferFull, evt.Name, evt.OfferID)
	}
}
