package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/notify"
	"github.com/technosupport/ts-protect-backup/internal/pathformat"
	"github.com/technosupport/ts-protect-backup/internal/protect"
	"github.com/technosupport/ts-protect-backup/internal/units"
)

const defaultUploadDrainGrace = 60 * time.Second

const ledgerWriteAttempts = 5

// Store is the slice of the rclone runner the uploader uses.
type Store interface {
	Upload(ctx context.Context, src io.Reader, destPath, extraArgs string) error
}

type UploaderConfig struct {
	Items       <-chan Item
	Store       Store
	Ledger      Ledger
	Retries     *RetryCounter
	Tracker     *Tracker
	Template    *pathformat.Template
	Destination string
	ExtraArgs   string
	Location    *time.Location
	Metrics     *metrics.Metrics
	Events      *notify.LifecyclePublisher
	Clock       clockwork.Clock
	Log         *slog.Logger

	// DrainGrace bounds how long an in-flight upload may continue after
	// shutdown begins.
	DrainGrace time.Duration
}

// Uploader streams each clip to the remote and records it in the ledger.
// Uploads run strictly one at a time so remote writes stay ordered and
// the budget math stays simple.
type Uploader struct {
	cfg UploaderConfig
}

func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultUploadDrainGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Uploader{cfg: cfg}
}

func (u *Uploader) Serve(ctx context.Context) error {
	u.cfg.Log.Info("uploader started")
	for {
		select {
		case item := <-u.cfg.Items:
			u.process(ctx, item)
		case <-ctx.Done():
			u.drainAbandoned()
			return ctx.Err()
		}
	}
}

// drainAbandoned releases any clip the downloader handed over after
// shutdown won the select, so its writer is not stranded on the budget.
func (u *Uploader) drainAbandoned() {
	for {
		select {
		case item := <-u.cfg.Items:
			item.discard()
			u.cfg.Tracker.Remove(item.Event.ID)
			u.cfg.Log.Info("abandoning queued clip for shutdown", "event_id", item.Event.ID)
		default:
			return
		}
	}
}

func (u *Uploader) process(ctx context.Context, item Item) {
	ev := item.Event
	log := logging.ForEvent(u.cfg.Log, ev.ID, item.Camera.Name)

	uploaded := false
	defer func() {
		if !uploaded {
			item.discard()
		}
		u.cfg.Tracker.Remove(ev.ID)
	}()

	dest := u.cfg.Destination + "/" + u.cfg.Template.Format(pathformat.Data{
		EventID:       ev.ID,
		CameraName:    item.Camera.Name,
		DetectionType: ev.DetectionLabel(),
		Start:         ev.Start.Time,
		End:           ev.End.Time,
		Loc:           u.cfg.Location,
	})

	upCtx, cancel := graceContext(ctx, u.cfg.DrainGrace, u.cfg.Clock)
	defer cancel()

	u.cfg.Metrics.InFlight.WithLabelValues(metrics.StageUpload).Inc()
	defer u.cfg.Metrics.InFlight.WithLabelValues(metrics.StageUpload).Dec()

	counter := &countingReader{r: item.Body}
	if err := u.cfg.Store.Upload(upCtx, counter, dest, u.cfg.ExtraArgs); err != nil {
		if item.Body.WriteFailed() {
			// The clip stream died under us; the download side has
			// already recorded the retry.
			log.Debug("upload cancelled, clip stream failed", "error", err)
			return
		}
		if ctx.Err() != nil {
			log.Info("upload aborted for shutdown", "sent", units.FormatBytes(counter.n))
			return
		}
		u.fail(log, ev, fmt.Errorf("uploading clip: %w", err))
		return
	}
	uploaded = true

	if duration, err := item.Probe.Duration(); err != nil {
		log.Debug("clip duration probe unavailable", "error", err)
	} else if diff := (duration - ev.Duration()).Abs(); diff > time.Second {
		log.Warn("uploaded clip length differs from the event",
			"event_length", ev.Duration(), "clip_length", duration)
	}

	row := data.BackedUpEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		CameraID:   ev.CameraID,
		Start:      ev.Start.Time,
		End:        ev.End.Time,
		RemotePath: dest,
		UploadedAt: u.cfg.Clock.Now(),
	}
	if err := u.record(ctx, row); err != nil {
		// The clip is safe on the remote; a later reconcile pass will
		// re-upload it to the same path and try the write again.
		log.Error("recording backup failed", "error", err)
	}

	u.cfg.Metrics.Uploads.WithLabelValues(metrics.ResultOK).Inc()
	u.cfg.Metrics.UploadedBytes.Add(float64(counter.n))
	if perr := u.cfg.Events.Publish(notify.KindUploaded, ev.ID, ev.CameraID, item.Camera.Name, dest); perr != nil {
		log.Warn("lifecycle publish failed", "error", perr)
	}
	log.Info("event backed up", "remote_path", dest, "size", units.FormatBytes(counter.n))
}

// record writes the ledger row with a short bounded retry. Ledger writes
// are cheap, so a sqlite hiccup is given a few seconds to clear.
func (u *Uploader) record(ctx context.Context, row data.BackedUpEvent) error {
	var err error
	for attempt := 0; attempt < ledgerWriteAttempts; attempt++ {
		if attempt > 0 {
			u.cfg.Clock.Sleep(time.Second)
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err = u.cfg.Ledger.Upsert(wctx, row)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (u *Uploader) fail(log *slog.Logger, ev protect.Event, err error) {
	attempts := u.cfg.Retries.Bump(ev.ID)
	if attempts >= u.cfg.Retries.Max() {
		log.Error("giving up on event after repeated failures",
			"attempts", attempts, "error", err)
		u.cfg.Metrics.Uploads.WithLabelValues(metrics.ResultBanned).Inc()
		if perr := u.cfg.Events.Publish(notify.KindBanned, ev.ID, ev.CameraID, "", ""); perr != nil {
			log.Warn("lifecycle publish failed", "error", perr)
		}
		return
	}
	log.Warn("upload failed, will retry on a later pass",
		"attempt", attempts, "max", u.cfg.Retries.Max(), "error", err)
	u.cfg.Metrics.Uploads.WithLabelValues(metrics.ResultRetry).Inc()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
