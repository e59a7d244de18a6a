package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/ffprobe"
	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

func testLogger() *slog.Logger {
	return logging.New(logging.Options{Verbosity: 0, Output: io.Discard})
}

type fakeExporter struct {
	cameras   map[string]protect.Camera
	clip      []byte
	exportErr error

	mu       sync.Mutex
	exports  int
	prepared int
}

func (f *fakeExporter) Camera(ctx context.Context, id string) (protect.Camera, error) {
	cam, ok := f.cameras[id]
	if !ok {
		return protect.Camera{}, protect.ErrCameraNotFound
	}
	return cam, nil
}

func (f *fakeExporter) Export(ctx context.Context, ev protect.Event) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.exports++
	f.mu.Unlock()
	if f.exportErr != nil {
		return nil, 0, f.exportErr
	}
	return io.NopCloser(bytes.NewReader(f.clip)), int64(len(f.clip)), nil
}

func (f *fakeExporter) ExportPrepared(ctx context.Context, ev protect.Event) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.prepared++
	f.mu.Unlock()
	if f.exportErr != nil {
		return nil, 0, f.exportErr
	}
	return io.NopCloser(bytes.NewReader(f.clip)), int64(len(f.clip)), nil
}

type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]data.BackedUpEvent
	upsertErr []error // consumed one per call, nil entries succeed
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]data.BackedUpEvent)}
}

func (f *fakeLedger) Has(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok, nil
}

func (f *fakeLedger) Upsert(ctx context.Context, ev data.BackedUpEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErr) > 0 {
		err := f.upsertErr[0]
		f.upsertErr = f.upsertErr[1:]
		if err != nil {
			return err
		}
	}
	f.rows[ev.ID] = ev
	return nil
}

func (f *fakeLedger) get(id string) (data.BackedUpEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.rows[id]
	return ev, ok
}

// brokenProber cannot find its binary, so Start yields a nil probe.
func brokenProber(t *testing.T) *ffprobe.Prober {
	t.Helper()
	p := ffprobe.New(testLogger())
	p.Binary = "/nonexistent/ffprobe"
	return p
}

type downloaderFixture struct {
	d        *Downloader
	queue    *Queue
	exporter *fakeExporter
	ledger   *fakeLedger
	retries  *RetryCounter
	tracker  *Tracker
	metrics  *metrics.Metrics
	clock    *clockwork.FakeClock
}

func newDownloaderFixture(t *testing.T, mutate func(*DownloaderConfig)) *downloaderFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	retries, err := NewRetryCounter(3, time.Hour, clock)
	require.NoError(t, err)

	fx := &downloaderFixture{
		queue: NewQueue(8),
		exporter: &fakeExporter{
			cameras: map[string]protect.Camera{"cam-1": {ID: "cam-1", Name: "Front Door"}},
			clip:    bytes.Repeat([]byte("frame"), 2048),
		},
		ledger:  newFakeLedger(),
		retries: retries,
		tracker: NewTracker(),
		metrics: metrics.New(),
		clock:   clock,
	}
	cfg := DownloaderConfig{
		Queue:   fx.queue,
		Client:  fx.exporter,
		Ledger:  fx.ledger,
		Filter:  NewFilter([]string{"motion", "person", "vehicle", "ring", "line"}, nil, nil, 2*time.Hour),
		Retries: fx.retries,
		Tracker: fx.tracker,
		Budget:  NewBudget(1 << 20),
		Prober:  brokenProber(t),
		Metrics: fx.metrics,
		Clock:   clock,
		Log:     testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fx.d = NewDownloader(cfg)
	return fx
}

// finishedEvent returns a motion event that ended well before the fake
// clock's present, so no finalization wait is needed.
func (fx *downloaderFixture) finishedEvent(id string) protect.Event {
	end := fx.clock.Now().Add(-time.Minute)
	return protect.Event{
		ID:       id,
		Type:     protect.EventTypeMotion,
		CameraID: "cam-1",
		Start:    protect.Timestamp{Time: end.Add(-30 * time.Second)},
		End:      protect.Timestamp{Time: end},
	}
}

func TestDownloaderDeliversClip(t *testing.T) {
	fx := newDownloaderFixture(t, nil)
	ev := fx.finishedEvent("ev-1")
	fx.tracker.Add(ev.ID)

	fx.d.process(context.Background(), ev)

	var item Item
	select {
	case item = <-fx.d.Items():
	default:
		t.Fatal("no clip was handed over")
	}
	assert.Equal(t, "ev-1", item.Event.ID)
	assert.Equal(t, "Front Door", item.Camera.Name)
	assert.Equal(t, int64(len(fx.exporter.clip)), item.Size)

	got, err := io.ReadAll(item.Body)
	require.NoError(t, err)
	assert.Equal(t, fx.exporter.clip, got)

	assert.True(t, fx.tracker.Has(ev.ID), "in-flight entry passes to the uploader")
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Downloads.WithLabelValues(metrics.ResultOK)))
}

func TestDownloaderWaitsForRecordingToFinalize(t *testing.T) {
	fx := newDownloaderFixture(t, nil)
	// The event ends "now": the fetch must hold off for the grace wait.
	ev := fx.finishedEvent("ev-fresh")
	ev.End = protect.Timestamp{Time: fx.clock.Now()}
	ev.Start = protect.Timestamp{Time: fx.clock.Now().Add(-30 * time.Second)}

	done := make(chan struct{})
	go func() {
		fx.d.process(context.Background(), ev)
		close(done)
	}()

	fx.clock.BlockUntil(1)
	select {
	case <-fx.d.Items():
		t.Fatal("clip fetched before the recording could finalize")
	default:
	}

	fx.clock.Advance(8 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("downloader did not resume after the wait")
	}
	assert.Len(t, fx.d.out, 1)
}

func TestDownloaderSkipsAlreadyBackedUp(t *testing.T) {
	fx := newDownloaderFixture(t, nil)
	ev := fx.finishedEvent("ev-done")
	require.NoError(t, fx.ledger.Upsert(context.Background(), data.BackedUpEvent{ID: ev.ID}))
	fx.tracker.Add(ev.ID)

	fx.d.process(context.Background(), ev)

	assert.Empty(t, fx.d.out)
	assert.False(t, fx.tracker.Has(ev.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Downloads.WithLabelValues(metrics.ResultSkipped)))
	fx.exporter.mu.Lock()
	defer fx.exporter.mu.Unlock()
	assert.Zero(t, fx.exporter.exports)
}

func TestDownloaderSkipsIneligible(t *testing.T) {
	fx := newDownloaderFixture(t, func(cfg *DownloaderConfig) {
		cfg.Filter = NewFilter([]string{"ring"}, nil, nil, 2*time.Hour)
	})
	ev := fx.finishedEvent("ev-motion")
	fx.tracker.Add(ev.ID)

	fx.d.process(context.Background(), ev)

	assert.Empty(t, fx.d.out)
	assert.False(t, fx.tracker.Has(ev.ID))
}

func TestDownloaderCameraFallback(t *testing.T) {
	fx := newDownloaderFixture(t, nil)
	ev := fx.finishedEvent("ev-orphan")
	ev.CameraID = "cam-gone"

	fx.d.process(context.Background(), ev)

	item := <-fx.d.Items()
	assert.Equal(t, "cam-gone", item.Camera.Name, "unknown cameras fall back to their id")
	io.Copy(io.Discard, item.Body)
}

func TestDownloaderBansAfterRepeatedFailures(t *testing.T) {
	fx := newDownloaderFixture(t, nil)
	fx.exporter.exportErr = errors.New("nvr said no")
	ev := fx.finishedEvent("ev-bad")

	for i := 0; i < 3; i++ {
		fx.tracker.Add(ev.ID)
		fx.d.process(context.Background(), ev)
		assert.False(t, fx.tracker.Has(ev.ID))
	}
	assert.True(t, fx.retries.Banned(ev.ID))
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.Downloads.WithLabelValues(metrics.ResultRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Downloads.WithLabelValues(metrics.ResultBanned)))

	// Further passes skip the event without touching the NVR.
	fx.exporter.mu.Lock()
	before := fx.exporter.exports
	fx.exporter.mu.Unlock()
	fx.d.process(context.Background(), ev)
	fx.exporter.mu.Lock()
	defer fx.exporter.mu.Unlock()
	assert.Equal(t, before, fx.exporter.exports)
}

func TestDownloaderExperimentalEndpoint(t *testing.T) {
	fx := newDownloaderFixture(t, func(cfg *DownloaderConfig) {
		cfg.Experimental = true
	})
	ev := fx.finishedEvent("ev-exp")

	fx.d.process(context.Background(), ev)

	item := <-fx.d.Items()
	io.Copy(io.Discard, item.Body)
	fx.exporter.mu.Lock()
	defer fx.exporter.mu.Unlock()
	assert.Zero(t, fx.exporter.exports)
	assert.Equal(t, 1, fx.exporter.prepared)
}
