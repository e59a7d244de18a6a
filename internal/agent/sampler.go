package agent

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
)

const sampleInterval = 15 * time.Second

// sampler periodically copies pipeline state into the prometheus
// gauges. Counters are incremented at their call sites; gauges that
// describe current state are cheaper to sweep than to track.
type sampler struct {
	queue   *pipeline.Queue
	budget  *pipeline.Budget
	ledger  data.EventModel
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

func (s *sampler) Serve(ctx context.Context) error {
	ticker := s.clock.NewTicker(sampleInterval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ticker.Chan():
			s.sample(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *sampler) sample(ctx context.Context) {
	live, backlog := s.queue.Depths()
	s.metrics.QueueDepth.WithLabelValues(metrics.LaneLive).Set(float64(live))
	s.metrics.QueueDepth.WithLabelValues(metrics.LaneBacklog).Set(float64(backlog))
	s.metrics.BufferBytes.Set(float64(s.budget.Used()))

	countCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if rows, err := s.ledger.Count(countCtx); err == nil {
		s.metrics.LedgerRows.Set(float64(rows))
	}
}
