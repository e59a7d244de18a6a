// Package agent assembles the backup pipeline and runs it under a
// supervision tree. Stages that crash are restarted with backoff;
// errors marked fatal stop the tree and set the process exit status.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-protect-backup/internal/api"
	"github.com/technosupport/ts-protect-backup/internal/config"
	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/ffprobe"
	"github.com/technosupport/ts-protect-backup/internal/listener"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/notify"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
	"github.com/technosupport/ts-protect-backup/internal/purge"
	"github.com/technosupport/ts-protect-backup/internal/rclone"
	"github.com/technosupport/ts-protect-backup/internal/reconcile"
)

const (
	// serviceStopTimeout must exceed the uploader's drain grace or a slow
	// final upload would be reported as a hung service.
	serviceStopTimeout = 90 * time.Second

	// restartBackoffCap is how long the supervisor pauses a stage that
	// keeps crashing before trying it again.
	restartBackoffCap = 60 * time.Second

	nvrConnectAttempts = 20
	nvrConnectBase     = 5 * time.Second
	nvrConnectCap      = time.Hour
)

// Agent owns the boot sequence and the supervision tree.
type Agent struct {
	cfg      *config.Config
	log      *slog.Logger
	version  string
	instance uuid.UUID
	clock    clockwork.Clock
}

func New(cfg *config.Config, log *slog.Logger, version string) *Agent {
	return &Agent{
		cfg:      cfg,
		log:      log,
		version:  version,
		instance: uuid.New(),
		clock:    clockwork.NewRealClock(),
	}
}

// Run boots the agent and blocks until ctx is cancelled or a stage
// fails fatally. Boot order matters: the ledger and the remote are
// verified before the NVR is contacted, so a misconfigured store is
// reported without waiting out NVR connection retries.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("starting", "version", a.version, "instance", a.instance)

	db, err := data.Open(a.cfg.SqlitePath)
	if err != nil {
		return fmt.Errorf("opening ledger %s: %w", a.cfg.SqlitePath, err)
	}
	defer db.Close()
	if err := data.Migrate(db); err != nil {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	ledger := data.EventModel{DB: db}

	store := rclone.New(a.log)
	if err := store.Check(ctx, a.cfg.Destination, a.cfg.RcloneArgs); err != nil {
		return AsFatalErr(fmt.Errorf("rclone destination %s: %w", a.cfg.Destination, err), ExitConfig)
	}
	a.log.Info("remote destination verified", "destination", a.cfg.Destination)

	client, boot, err := a.connectNVR(ctx)
	if err != nil {
		return err
	}
	a.logInventory(boot)

	var lifecycle *notify.LifecyclePublisher
	if a.cfg.NatsURL != "" {
		nc, err := nats.Connect(a.cfg.NatsURL, nats.Name("ts-protect-backup"))
		if err != nil {
			a.log.Warn("NATS connect failed, lifecycle events disabled", "url", a.cfg.NatsURL, "error", err)
		} else {
			defer nc.Drain()
			lifecycle = notify.NewLifecyclePublisher(nc, a.cfg.NatsSubject, a.instance)
			a.log.Info("publishing lifecycle events", "url", a.cfg.NatsURL, "subject", a.cfg.NatsSubject)
		}
	}

	m := metrics.New()
	queue := pipeline.NewQueue(a.cfg.EventQueueSize)
	tracker := pipeline.NewTracker()
	budget := pipeline.NewBudget(a.cfg.DownloadBufferSize)
	filter := pipeline.NewFilter(a.cfg.DetectionTypes, a.cfg.IgnoreCameras, a.cfg.Cameras, a.cfg.MaxEventLength)
	retries, err := pipeline.NewRetryCounter(pipeline.MaxAttempts, a.cfg.Retention, a.clock)
	if err != nil {
		return err
	}

	prober := ffprobe.New(a.log)
	if !prober.Available() {
		a.log.Warn("ffprobe not found, clip durations will not be checked")
	}

	var limiter *rate.Limiter
	if a.cfg.DownloadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.DownloadRateLimit/60), 1)
	}

	wake := make(chan struct{}, 1)

	dl := pipeline.NewDownloader(pipeline.DownloaderConfig{
		Queue:        queue,
		Client:       client,
		Ledger:       ledger,
		Filter:       filter,
		Retries:      retries,
		Tracker:      tracker,
		Budget:       budget,
		Prober:       prober,
		Limiter:      limiter,
		Metrics:      m,
		Events:       lifecycle,
		Clock:        a.clock,
		Log:          a.log,
		Experimental: a.cfg.ExperimentalDownloader,
	})
	up := pipeline.NewUploader(pipeline.UploaderConfig{
		Items:       dl.Items(),
		Store:       store,
		Ledger:      ledger,
		Retries:     retries,
		Tracker:     tracker,
		Template:    a.cfg.Template,
		Destination: a.cfg.Destination,
		ExtraArgs:   a.cfg.RcloneArgs,
		Location:    client.Location(),
		Metrics:     m,
		Events:      lifecycle,
		Clock:       a.clock,
		Log:         a.log,
	})
	lst, err := listener.New(listener.Config{
		Connect: func(ctx context.Context) (listener.Stream, error) {
			return client.Subscribe(ctx)
		},
		Queue:   queue,
		Filter:  filter,
		Tracker: tracker,
		Metrics: m,
		Clock:   a.clock,
		Log:     a.log,
		Wake:    wake,
	})
	if err != nil {
		return err
	}
	rec := reconcile.New(reconcile.Config{
		Client:   client,
		Ledger:   ledger,
		Queue:    queue,
		Filter:   filter,
		Retries:  retries,
		Tracker:  tracker,
		Metrics:  m,
		Clock:    a.clock,
		Log:      a.log,
		Interval: a.cfg.MissingInterval,
		Range:    a.cfg.MissingRange,
		Wake:     wake,
	})
	prg := purge.New(purge.Config{
		Store:       store,
		Ledger:      ledger,
		Destination: a.cfg.Destination,
		PurgeArgs:   a.cfg.RclonePurgeArgs,
		Retention:   a.cfg.Retention,
		Interval:    a.cfg.PurgeInterval,
		Metrics:     m,
		Events:      lifecycle,
		Clock:       a.clock,
		Log:         a.log,
	})

	if a.cfg.SkipMissing {
		n, err := rec.SeedMissing(ctx)
		if err != nil {
			return fmt.Errorf("skip-missing: %w", err)
		}
		a.log.Info("marked events missing from the remote as backed up", "count", n)
	}

	sup := suture.New("agent", suture.Spec{
		EventHook: func(e suture.Event) {
			// Panics and stop timeouts go out at error level so they
			// reach notification targets subscribed to failures.
			switch e.Type() {
			case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
				a.log.Error("supervisor event", "event", e)
			case suture.EventTypeBackoff:
				a.log.Warn("supervisor event", "event", e)
			case suture.EventTypeResume:
				a.log.Info("supervisor event", "event", e)
			default:
				a.log.Debug("supervisor event", "event", e)
			}
		},
		FailureBackoff: restartBackoffCap,
		Timeout:        serviceStopTimeout,
	})
	// The consumer side goes in first so producers never fill the queue
	// against stages that are not draining yet.
	sup.Add(named{"uploader", up})
	sup.Add(named{"downloader", dl})
	sup.Add(named{"listener", lst})
	sup.Add(named{"reconciler", rec})
	sup.Add(named{"purger", prg})
	sup.Add(named{"sampler", &sampler{
		queue:   queue,
		budget:  budget,
		ledger:  ledger,
		metrics: m,
		clock:   a.clock,
	}})
	if a.cfg.StatusAddr != "" {
		srv := api.New(api.Config{
			Addr:     a.cfg.StatusAddr,
			Version:  a.version,
			Instance: a.instance,
			NVR:      client.Info(),
			Queue:    queue,
			Budget:   budget,
			Tracker:  tracker,
			Ledger:   ledger,
			Metrics:  m,
			Clock:    a.clock,
			Log:      a.log,
		})
		sup.Add(diagnostics{srv})
	}

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("shutdown complete")
	return nil
}

// connectNVR logs in and bootstraps, retrying while the NVR boots.
// Controllers take minutes to come up after a power cut, so the agent
// outwaits them rather than crash-looping.
func (a *Agent) connectNVR(ctx context.Context) (*protect.Client, *protect.Bootstrap, error) {
	client, err := protect.New(protect.Config{
		Address:   a.cfg.Address,
		Port:      a.cfg.Port,
		Username:  a.cfg.Username,
		Password:  a.cfg.Password,
		VerifySSL: a.cfg.VerifySSL,
		Log:       a.log,
	})
	if err != nil {
		return nil, nil, err
	}

	delay := nvrConnectBase
	for attempt := 1; ; attempt++ {
		err := client.Login(ctx)
		if err == nil {
			var boot *protect.Bootstrap
			if boot, err = client.Bootstrap(ctx); err == nil {
				return client, boot, nil
			}
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt >= nvrConnectAttempts {
			return nil, nil, fmt.Errorf("connecting to NVR %s: %w", a.cfg.Address, err)
		}
		a.log.Warn("NVR not reachable yet, retrying", "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-a.clock.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		delay = min(delay*2, nvrConnectCap)
	}
}

func (a *Agent) logInventory(boot *protect.Bootstrap) {
	a.log.Info("connected to NVR",
		"nvr", boot.NVR.Name,
		"version", boot.NVR.Version,
		"timezone", boot.NVR.Timezone,
		"cameras", len(boot.Cameras))

	ignored := make(map[string]bool, len(a.cfg.IgnoreCameras))
	for _, id := range a.cfg.IgnoreCameras {
		ignored[id] = true
	}
	selected := make(map[string]bool, len(a.cfg.Cameras))
	for _, id := range a.cfg.Cameras {
		selected[id] = true
	}
	for _, cam := range boot.Cameras {
		switch {
		case ignored[cam.ID]:
			a.log.Info("camera ignored", "camera", cam.Name, "id", cam.ID)
		case len(selected) > 0 && !selected[cam.ID]:
			a.log.Info("camera not selected", "camera", cam.Name, "id", cam.ID)
		default:
			a.log.Info("backing up camera", "camera", cam.Name, "id", cam.ID)
		}
	}
}

// named gives a supervised service a stable name in supervisor events.
type named struct {
	name string
	suture.Service
}

func (n named) String() string { return n.name }

// diagnostics wraps the status server so a failed listen stops the
// agent instead of restart-looping on an address that will never bind.
type diagnostics struct {
	srv *api.Server
}

func (d diagnostics) String() string { return "diagnostics" }

func (d diagnostics) Serve(ctx context.Context) error {
	err := d.srv.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return AsFatalErr(err, ExitError)
	}
	return err
}
