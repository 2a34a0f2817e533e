package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/inference"
)

// SessionObserver returns a [session.Observer] that feeds the session
// instruments of m.
func (m *Metrics) SessionObserver() session.Observer {
	return sessionMetrics{m: m}
}

type sessionMetrics struct{ m *Metrics }

var _ session.Observer = sessionMetrics{}

func (s sessionMetrics) SessionStarted(session.Info) {
	if s.m == nil {
		return
	}
	s.m.ActiveSessions.Add(context.Background(), 1)
}

func (s sessionMetrics) ChunkDelivered(info session.Info, _ inference.Chunk) {
	if s.m == nil {
		return
	}
	ctx := context.Background()
	s.m.ChunksDelivered.Add(ctx, 1)
	if info.Delivered == 1 {
		s.m.FirstChunkLatency.Record(ctx, info.Duration().Seconds())
	}
}

func (s sessionMetrics) SessionEnded(info session.Info) {
	if s.m == nil {
		return
	}
	ctx := context.Background()
	s.m.ActiveSessions.Add(ctx, -1)
	s.m.SessionOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("phase", info.Phase.String())),
	)
}
