// Package purge enforces retention. It works only from the ledger: a
// remote path is deleted exactly when a ledger row older than retention
// names it, so nothing the agent did not upload is ever touched.
package purge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/notify"
	"github.com/technosupport/ts-protect-backup/internal/rclone"
)

// A row whose remote delete keeps failing is logged at error level once
// it crosses this many consecutive attempts. The row itself always stays
// until the delete succeeds.
const rowFailureThreshold = 5

// Remover is the slice of the rclone runner the purger uses.
type Remover interface {
	Delete(ctx context.Context, remotePath, extraArgs string) error
	TidyDirs(ctx context.Context, destination, extraArgs string) error
}

// Ledger is the slice of the event store the purger uses.
type Ledger interface {
	Expired(ctx context.Context, cutoff time.Time) ([]data.BackedUpEvent, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Store       Remover
	Ledger      Ledger
	Destination string
	PurgeArgs   string
	Retention   time.Duration
	Interval    time.Duration
	Metrics     *metrics.Metrics
	Events      *notify.LifecyclePublisher
	Clock       clockwork.Clock
	Log         *slog.Logger
}

type Purger struct {
	cfg      Config
	failures map[string]int
}

func New(cfg Config) *Purger {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Purger{cfg: cfg, failures: make(map[string]int)}
}

func (p *Purger) Serve(ctx context.Context) error {
	// One pass right away: after a long outage there may be a large
	// backlog past retention.
	p.pass(ctx)

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.pass(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Purger) pass(ctx context.Context) {
	cutoff := p.cfg.Clock.Now().Add(-p.cfg.Retention)
	rows, err := p.cfg.Ledger.Expired(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.cfg.Log.Warn("listing expired events failed, will retry next pass", "error", err)
		}
		return
	}
	if len(rows) == 0 {
		p.cfg.Log.Debug("nothing past retention")
		return
	}
	p.cfg.Log.Info("purging events past retention", "count", len(rows), "cutoff", cutoff)

	deleted := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if p.purgeRow(ctx, row) {
			deleted++
		}
	}
	if deleted > 0 {
		p.cfg.Log.Info("purged events", "count", deleted)
		if err := p.cfg.Store.TidyDirs(ctx, p.cfg.Destination, p.cfg.PurgeArgs); err != nil && ctx.Err() == nil {
			p.cfg.Log.Warn("pruning empty remote directories failed", "error", err)
		}
	}
}

// purgeRow removes one row's remote object and then the row itself. The
// row survives any failure so the delete is retried on a later pass.
func (p *Purger) purgeRow(ctx context.Context, row data.BackedUpEvent) bool {
	log := p.cfg.Log.With("event_id", row.ID)

	if !row.Seeded() {
		err := p.cfg.Store.Delete(ctx, row.RemotePath, p.cfg.PurgeArgs)
		switch {
		case err == nil:
		case rclone.IsNotFound(err):
			log.Debug("remote object already gone", "remote_path", row.RemotePath)
		default:
			if ctx.Err() != nil {
				return false
			}
			p.failures[row.ID]++
			p.cfg.Metrics.PurgeFailures.Inc()
			if p.failures[row.ID] >= rowFailureThreshold {
				log.Error("remote delete keeps failing, row kept for retry",
					"remote_path", row.RemotePath, "attempts", p.failures[row.ID], "error", err)
			} else {
				log.Warn("remote delete failed, row kept for retry",
					"remote_path", row.RemotePath, "error", err)
			}
			return false
		}
	}

	if err := p.cfg.Ledger.Delete(ctx, row.ID); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		// The object is gone but the row remains; the next pass hits
		// the not-found path and tries the row delete again.
		log.Warn("removing purged row failed", "error", err)
		p.cfg.Metrics.PurgeFailures.Inc()
		return false
	}
	delete(p.failures, row.ID)
	p.cfg.Metrics.Purged.Inc()
	if perr := p.cfg.Events.Publish(notify.KindPurged, row.ID, row.CameraID, "", row.RemotePath); perr != nil {
		log.Warn("lifecycle publish failed", "error", perr)
	}
	log.Debug("event purged", "remote_path", row.RemotePath)
	return true
}
