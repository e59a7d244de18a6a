package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pathformat"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

type fakeStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: make(map[string][]byte)}
}

func (s *fakeStore) Upload(ctx context.Context, src io.Reader, destPath, extraArgs string) error {
	body, rerr := io.ReadAll(src)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if rerr != nil {
		return rerr
	}
	s.uploads[destPath] = body
	return nil
}

func (s *fakeStore) get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[path]
	return b, ok
}

type uploaderFixture struct {
	u       *Uploader
	store   *fakeStore
	ledger  *fakeLedger
	retries *RetryCounter
	tracker *Tracker
	metrics *metrics.Metrics
	budget  *Budget
	clock   *clockwork.FakeClock
}

func newUploaderFixture(t *testing.T, mutate func(*UploaderConfig)) *uploaderFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	retries, err := NewRetryCounter(3, time.Hour, clock)
	require.NoError(t, err)
	tmpl, err := pathformat.Compile("{camera_name}/{event.id}.mp4")
	require.NoError(t, err)

	fx := &uploaderFixture{
		store:   newFakeStore(),
		ledger:  newFakeLedger(),
		retries: retries,
		tracker: NewTracker(),
		metrics: metrics.New(),
		budget:  NewBudget(1 << 20),
		clock:   clock,
	}
	cfg := UploaderConfig{
		Store:       fx.store,
		Ledger:      fx.ledger,
		Retries:     fx.retries,
		Tracker:     fx.tracker,
		Template:    tmpl,
		Destination: "remote:archive",
		Location:    time.UTC,
		Metrics:     fx.metrics,
		Clock:       clock,
		Log:         testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fx.u = NewUploader(cfg)
	return fx
}

func (fx *uploaderFixture) item(id string, clip []byte, streamErr error) Item {
	h := NewHandoff(fx.budget)
	if clip != nil {
		_, _ = h.Write(clip)
	}
	h.CloseWrite(streamErr)
	start := fx.clock.Now().Add(-2 * time.Minute)
	return Item{
		Event: protect.Event{
			ID:       id,
			Type:     protect.EventTypeMotion,
			CameraID: "cam-1",
			Start:    protect.Timestamp{Time: start},
			End:      protect.Timestamp{Time: start.Add(time.Minute)},
		},
		Camera: protect.Camera{ID: "cam-1", Name: "Front Door"},
		Body:   h,
		Size:   int64(len(clip)),
	}
}

func TestUploaderStoresAndRecords(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	clip := []byte("the clip bytes")
	item := fx.item("ev-1", clip, nil)
	fx.tracker.Add(item.Event.ID)

	fx.u.process(context.Background(), item)

	stored, ok := fx.store.get("remote:archive/Front Door/ev-1.mp4")
	require.True(t, ok, "clip missing from the store")
	assert.Equal(t, clip, stored)

	row, ok := fx.ledger.get("ev-1")
	require.True(t, ok, "ledger row missing")
	assert.Equal(t, "remote:archive/Front Door/ev-1.mp4", row.RemotePath)
	assert.Equal(t, protect.EventTypeMotion, row.Type)
	assert.Equal(t, fx.clock.Now(), row.UploadedAt)

	assert.False(t, fx.tracker.Has("ev-1"))
	assert.Zero(t, fx.budget.Used())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Uploads.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, float64(len(clip)), testutil.ToFloat64(fx.metrics.UploadedBytes))
}

func TestUploaderRetriesLedgerWrite(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	fx.ledger.upsertErr = []error{errors.New("locked"), errors.New("locked")}
	item := fx.item("ev-retry", []byte("clip"), nil)

	done := make(chan struct{})
	go func() {
		fx.u.process(context.Background(), item)
		close(done)
	}()
	for i := 0; i < 2; i++ {
		fx.clock.BlockUntil(1)
		fx.clock.Advance(time.Second)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("uploader stuck in the ledger retry")
	}

	_, ok := fx.ledger.get("ev-retry")
	assert.True(t, ok, "row must land once the ledger recovers")
}

func TestUploaderFailureCountsAgainstEvent(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	fx.store.err = errors.New("remote rejected the write")
	item := fx.item("ev-flaky", []byte("clip"), nil)
	fx.tracker.Add(item.Event.ID)

	fx.u.process(context.Background(), item)

	assert.Equal(t, 1, fx.retries.Count("ev-flaky"))
	assert.False(t, fx.tracker.Has("ev-flaky"))
	assert.Zero(t, fx.budget.Used())
	_, ok := fx.ledger.get("ev-flaky")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Uploads.WithLabelValues(metrics.ResultRetry)))
}

func TestUploaderSourceFailureDoesNotCountAgainstEvent(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	item := fx.item("ev-torn", []byte("partial"), errors.New("download died"))
	fx.tracker.Add(item.Event.ID)

	fx.u.process(context.Background(), item)

	// The download side already bumped the counter for this failure.
	assert.Zero(t, fx.retries.Count("ev-torn"))
	assert.False(t, fx.tracker.Has("ev-torn"))
	assert.Zero(t, fx.budget.Used())
	assert.Zero(t, testutil.ToFloat64(fx.metrics.Uploads.WithLabelValues(metrics.ResultRetry)))
}

func TestUploaderBansAfterRepeatedFailures(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	fx.store.err = errors.New("remote down")

	for i := 0; i < 3; i++ {
		fx.u.process(context.Background(), fx.item("ev-doomed", []byte("clip"), nil))
	}

	assert.True(t, fx.retries.Banned("ev-doomed"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Uploads.WithLabelValues(metrics.ResultBanned)))
}

func TestUploaderDrainReleasesAbandonedClips(t *testing.T) {
	fx := newUploaderFixture(t, nil)
	items := make(chan Item, 1)
	fx.u.cfg.Items = items

	item := fx.item("ev-left", []byte("clip"), nil)
	fx.tracker.Add(item.Event.ID)
	items <- item

	fx.u.drainAbandoned()

	assert.Zero(t, fx.budget.Used(), "abandoned clip must return its budget")
	assert.False(t, fx.tracker.Has("ev-left"))
}
