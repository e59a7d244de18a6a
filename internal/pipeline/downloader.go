package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/ffprobe"
	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/notify"
	"github.com/technosupport/ts-protect-backup/internal/protect"
	"github.com/technosupport/ts-protect-backup/internal/units"
)

// The NVR records in roughly 5 second keyframe intervals; waiting 1.5x
// that past the event end keeps the exported clip from missing its tail.
const defaultGraceWait = 7500 * time.Millisecond

const defaultDownloadDrainGrace = 15 * time.Second

// Item is one clip in flight from the downloader to the uploader. The
// body streams through the shared-budget handoff while the downloader is
// still writing it.
type Item struct {
	Event  protect.Event
	Camera protect.Camera
	Body   *Handoff
	Probe  *ffprobe.Probe
	Size   int64 // NVR-reported length, -1 when unknown
}

// discard abandons the clip, releasing its budget and killing the probe.
func (it Item) discard() {
	it.Body.Abort()
	it.Probe.Abort()
}

// Exporter is the slice of the NVR client the downloader uses.
type Exporter interface {
	Camera(ctx context.Context, id string) (protect.Camera, error)
	Export(ctx context.Context, ev protect.Event) (io.ReadCloser, int64, error)
	ExportPrepared(ctx context.Context, ev protect.Event) (io.ReadCloser, int64, error)
}

// Ledger is the slice of the event store the pipeline uses.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, ev data.BackedUpEvent) error
}

type DownloaderConfig struct {
	Queue   *Queue
	Client  Exporter
	Ledger  Ledger
	Filter  *Filter
	Retries *RetryCounter
	Tracker *Tracker
	Budget  *Budget
	Prober  *ffprobe.Prober
	Limiter *rate.Limiter // nil disables download rate limiting
	Metrics *metrics.Metrics
	Events  *notify.LifecyclePublisher
	Clock   clockwork.Clock
	Log     *slog.Logger

	// GraceWait delays the export until the recording has finalized.
	GraceWait time.Duration
	// DrainGrace bounds how long an in-flight fetch may continue after
	// shutdown begins.
	DrainGrace time.Duration
	// Experimental switches to the prepare/download export endpoints.
	Experimental bool
}

// Downloader drains the event queue, fetches each clip from the NVR and
// hands it to the uploader. Failed events are not requeued here; the
// reconciler finds them again on its next pass.
type Downloader struct {
	cfg DownloaderConfig
	out chan Item
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.GraceWait <= 0 {
		cfg.GraceWait = defaultGraceWait
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDownloadDrainGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Downloader{
		cfg: cfg,
		out: make(chan Item, 1),
	}
}

// Items is the handover channel consumed by the uploader.
func (d *Downloader) Items() <-chan Item {
	return d.out
}

func (d *Downloader) Serve(ctx context.Context) error {
	d.cfg.Log.Info("downloader started")
	for {
		ev, ok := d.cfg.Queue.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		d.process(ctx, ev)
	}
}

func (d *Downloader) process(ctx context.Context, ev protect.Event) {
	log := logging.ForEvent(d.cfg.Log, ev.ID, ev.CameraID)

	handedOff := false
	defer func() {
		// Until the item reaches the uploader this stage owns the
		// in-flight entry; afterwards the uploader clears it.
		if !handedOff {
			d.cfg.Tracker.Remove(ev.ID)
		}
	}()

	if d.cfg.Retries.Banned(ev.ID) {
		log.Debug("skipping event, attempts exhausted")
		d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}
	if ok, reason := d.cfg.Filter.Eligible(ev); !ok {
		log.Debug("skipping event", "reason", reason)
		d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}
	if done, err := d.cfg.Ledger.Has(ctx, ev.ID); err != nil {
		// Re-uploading is idempotent, so carry on and let the upload
		// retry the ledger write.
		log.Warn("backup state lookup failed", "error", err)
	} else if done {
		log.Debug("skipping event, already backed up")
		d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}

	dlCtx, cancel := graceContext(ctx, d.cfg.DrainGrace, d.cfg.Clock)
	defer cancel()

	cam, err := d.cfg.Client.Camera(dlCtx, ev.CameraID)
	switch {
	case errors.Is(err, protect.ErrCameraNotFound):
		log.Warn("camera unknown to the NVR, using its id in the remote path")
		cam = protect.Camera{ID: ev.CameraID, Name: ev.CameraID}
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		d.fail(log, ev, fmt.Errorf("resolving camera: %w", err))
		return
	}
	log = logging.ForEvent(d.cfg.Log, ev.ID, cam.Name)

	if wait := ev.End.Add(d.cfg.GraceWait).Sub(d.cfg.Clock.Now()); wait > 0 {
		log.Debug("waiting for the recording to finalize", "wait", wait)
		select {
		case <-d.cfg.Clock.After(wait):
		case <-ctx.Done():
			return
		}
	}

	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(dlCtx); err != nil {
			return
		}
	}

	d.cfg.Metrics.InFlight.WithLabelValues(metrics.StageDownload).Inc()
	defer d.cfg.Metrics.InFlight.WithLabelValues(metrics.StageDownload).Dec()

	var body io.ReadCloser
	var size int64
	if d.cfg.Experimental {
		body, size, err = d.cfg.Client.ExportPrepared(dlCtx, ev)
	} else {
		body, size, err = d.cfg.Client.Export(dlCtx, ev)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Info("download abandoned for shutdown")
			return
		}
		d.fail(log, ev, fmt.Errorf("exporting clip: %w", err))
		return
	}
	defer body.Close()

	handoff := NewHandoff(d.cfg.Budget)
	// The probe must outlive this stage: the uploader reads its result.
	probe := d.cfg.Prober.Start(context.WithoutCancel(ctx))
	item := Item{Event: ev, Camera: cam, Body: handoff, Probe: probe, Size: size}

	// Hand over before streaming so the uploader consumes concurrently;
	// that is what lets a clip larger than the budget flow through.
	select {
	case d.out <- item:
		handedOff = true
	case <-dlCtx.Done():
		handoff.CloseWrite(dlCtx.Err())
		probe.Abort()
		log.Info("download abandoned for shutdown")
		return
	}

	// Fail the handoff if the drain grace expires mid-stream, which also
	// unblocks a budget wait.
	stop := context.AfterFunc(dlCtx, func() {
		handoff.CloseWrite(context.Cause(dlCtx))
	})
	received, err := d.stream(body, handoff, probe)
	stop()
	if err != nil {
		handoff.CloseWrite(err)
		if errors.Is(err, errHandoffAborted) {
			// The uploader tore the stream down and has already
			// recorded the failure.
			log.Debug("download stopped, upload side gave up", "received", units.FormatBytes(received))
			return
		}
		if ctx.Err() != nil {
			log.Info("download aborted for shutdown", "received", units.FormatBytes(received))
			return
		}
		d.fail(log, ev, fmt.Errorf("streaming clip: %w", err))
		return
	}
	handoff.CloseWrite(nil)

	if size >= 0 && received != size {
		log.Debug("clip length differs from the NVR estimate",
			"expected", units.FormatBytes(size), "received", units.FormatBytes(received))
	}
	log.Debug("clip downloaded", "size", units.FormatBytes(received))
	d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultOK).Inc()
}

// stream copies the clip into the handoff, teeing it through the probe.
// The probe never errors, so only the source or the handoff can stop it.
func (d *Downloader) stream(body io.Reader, handoff *Handoff, probe *ffprobe.Probe) (int64, error) {
	w := io.MultiWriter(handoff, probe)
	buf := make([]byte, 64*1024)
	var received int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)
		}
		if rerr == io.EOF {
			return received, nil
		}
		if rerr != nil {
			return received, rerr
		}
	}
}

func (d *Downloader) fail(log *slog.Logger, ev protect.Event, err error) {
	attempts := d.cfg.Retries.Bump(ev.ID)
	if attempts >= d.cfg.Retries.Max() {
		log.Error("giving up on event after repeated failures",
			"attempts", attempts, "error", err)
		d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultBanned).Inc()
		if perr := d.cfg.Events.Publish(notify.KindBanned, ev.ID, ev.CameraID, "", ""); perr != nil {
			log.Warn("lifecycle publish failed", "error", perr)
		}
		return
	}
	log.Warn("download failed, will retry on a later pass",
		"attempt", attempts, "max", d.cfg.Retries.Max(), "error", err)
	d.cfg.Metrics.Downloads.WithLabelValues(metrics.ResultRetry).Inc()
}
