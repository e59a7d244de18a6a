// Package reconcile sweeps the NVR's event history against the ledger and
// queues anything that slipped past the realtime stream: events from
// before boot, from websocket gaps, or whose earlier attempts failed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

// After the first full sweep, periodic passes only rescan from shortly
// before the previous pass. The overlap absorbs events the NVR finalized
// late and clock drift between the agent and the NVR.
const rescanOverlap = 3 * time.Hour

// Lister is the slice of the NVR client the reconciler uses.
type Lister interface {
	ListEvents(ctx context.Context, start, end time.Time) ([]protect.Event, error)
}

// Ledger is the slice of the event store the reconciler uses.
type Ledger interface {
	IDs(ctx context.Context) (map[string]struct{}, error)
	Upsert(ctx context.Context, ev data.BackedUpEvent) error
}

type Config struct {
	Client  Lister
	Ledger  Ledger
	Queue   *pipeline.Queue
	Filter  *pipeline.Filter
	Retries *pipeline.RetryCounter
	Tracker *pipeline.Tracker
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Log     *slog.Logger

	// Interval between periodic passes.
	Interval time.Duration
	// Range bounds how far back a full sweep looks.
	Range time.Duration
	// Wake triggers an extra pass, typically after a websocket reconnect.
	Wake <-chan struct{}
}

type Reconciler struct {
	cfg       Config
	lastCheck time.Time
}

func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Reconciler{cfg: cfg}
}

func (r *Reconciler) Serve(ctx context.Context) error {
	// The boot pass always covers the full range.
	r.pass(ctx, true)

	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.pass(ctx, false)
		case <-r.cfg.Wake:
			r.pass(ctx, false)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconciler) pass(ctx context.Context, full bool) {
	now := r.cfg.Clock.Now()
	from := now.Add(-r.cfg.Range)
	if !full && !r.lastCheck.IsZero() {
		if inc := r.lastCheck.Add(-rescanOverlap); inc.After(from) {
			from = inc
		}
	}

	log := r.cfg.Log
	log.Debug("sweeping for missed events", "from", from, "to", now)
	events, err := r.cfg.Client.ListEvents(ctx, from, now)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("event listing failed, will retry next pass", "error", err)
		}
		return
	}
	known, err := r.cfg.Ledger.IDs(ctx)
	if err != nil {
		log.Warn("reading backed up event ids failed, will retry next pass", "error", err)
		return
	}

	missed := 0
	for _, ev := range events {
		ev.ID = protect.NormalizeEventID(ev.ID)
		if _, ok := known[ev.ID]; ok {
			continue
		}
		if r.cfg.Tracker.Has(ev.ID) || r.cfg.Retries.Banned(ev.ID) {
			continue
		}
		if ok, _ := r.cfg.Filter.Eligible(ev); !ok {
			continue
		}
		if !r.cfg.Tracker.Add(ev.ID) {
			continue
		}
		logging.ForEvent(log, ev.ID, ev.CameraID).Info("backing up missed event",
			"type", ev.Type, "start", ev.Start.Time)
		if err := r.cfg.Queue.OfferBacklog(ctx, ev); err != nil {
			// Shutdown while waiting for queue space; the next boot
			// sweep picks the event up again.
			r.cfg.Tracker.Remove(ev.ID)
			return
		}
		missed++
		r.cfg.Metrics.MissedFound.Inc()
	}
	if missed > 0 {
		log.Info("queued missed events", "count", missed)
	} else {
		log.Debug("nothing missing")
	}
	r.lastCheck = now
}

// SeedMissing records every event currently absent from the ledger as if
// it had been backed up, without uploading anything. Seeded rows carry no
// remote path; retention later ages them out without touching the remote.
func (r *Reconciler) SeedMissing(ctx context.Context) (int, error) {
	now := r.cfg.Clock.Now()
	events, err := r.cfg.Client.ListEvents(ctx, now.Add(-r.cfg.Range), now)
	if err != nil {
		return 0, fmt.Errorf("listing events: %w", err)
	}
	known, err := r.cfg.Ledger.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading backed up event ids: %w", err)
	}

	seeded := 0
	for _, ev := range events {
		ev.ID = protect.NormalizeEventID(ev.ID)
		if _, ok := known[ev.ID]; ok {
			continue
		}
		if ok, _ := r.cfg.Filter.Eligible(ev); !ok {
			continue
		}
		row := data.BackedUpEvent{
			ID:       ev.ID,
			Type:     ev.Type,
			CameraID: ev.CameraID,
			Start:    ev.Start.Time,
			End:      ev.End.Time,
		}
		if err := r.cfg.Ledger.Upsert(ctx, row); err != nil {
			return seeded, fmt.Errorf("seeding event %s: %w", ev.ID, err)
		}
		known[ev.ID] = struct{}{}
		seeded++
	}
	return seeded, nil
}
