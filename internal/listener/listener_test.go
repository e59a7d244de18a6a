package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

func testLogger() *slog.Logger {
	return logging.New(logging.Options{Verbosity: 0, Output: io.Discard})
}

type fakeStream struct {
	msgs   chan *protect.WSMessage
	err    error
	closed atomic.Bool
}

func (f *fakeStream) Messages() <-chan *protect.WSMessage { return f.msgs }
func (f *fakeStream) Err() error                          { return f.err }
func (f *fakeStream) Close()                              { f.closed.Store(true) }

type listenerFixture struct {
	l       *Listener
	queue   *pipeline.Queue
	tracker *pipeline.Tracker
	metrics *metrics.Metrics
	wake    chan struct{}
}

func newListenerFixture(t *testing.T, connect ConnectFunc) *listenerFixture {
	t.Helper()
	fx := &listenerFixture{
		queue:   pipeline.NewQueue(8),
		tracker: pipeline.NewTracker(),
		metrics: metrics.New(),
		wake:    make(chan struct{}, 1),
	}
	l, err := New(Config{
		Connect: connect,
		Queue:   fx.queue,
		Filter:  pipeline.NewFilter([]string{"motion", "person", "vehicle", "ring", "line"}, nil, nil, 2*time.Hour),
		Tracker: fx.tracker,
		Metrics: fx.metrics,
		Clock:   clockwork.NewFakeClock(),
		Log:     testLogger(),
		Wake:    fx.wake,
	})
	require.NoError(t, err)
	fx.l = l
	return fx
}

func addMessage(t *testing.T, ev protect.Event) *protect.WSMessage {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &protect.WSMessage{
		Action: protect.Action{Action: "add", ID: ev.ID, ModelKey: "event"},
		Data:   data,
	}
}

func TestListenerQueuesCompletedEvent(t *testing.T) {
	fx := newListenerFixture(t, nil)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := protect.Event{
		ID:       "evt-1",
		Type:     protect.EventTypeMotion,
		CameraID: "cam-1",
		Start:    protect.Timestamp{Time: start},
		End:      protect.Timestamp{Time: start.Add(time.Minute)},
	}

	fx.l.handle(context.Background(), addMessage(t, ev))

	queued, ok := fx.queue.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "evt-1", queued.ID)
	assert.True(t, fx.tracker.Has("evt-1"))
}

func TestListenerMergesAddAndUpdate(t *testing.T) {
	fx := newListenerFixture(t, nil)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fx.l.handle(context.Background(), addMessage(t, protect.Event{
		ID:       "evt-2",
		Type:     protect.EventTypeSmartDetect,
		CameraID: "cam-1",
		Start:    protect.Timestamp{Time: start},
	}))
	live, _ := fx.queue.Depths()
	require.Zero(t, live, "incomplete event must wait for its update")

	update := fmt.Sprintf(`{"end": %d, "smartDetectTypes": ["person"]}`,
		start.Add(30*time.Second).UnixMilli())
	fx.l.handle(context.Background(), &protect.WSMessage{
		Action: protect.Action{Action: "update", ID: "evt-2", ModelKey: "event"},
		Data:   json.RawMessage(update),
	})

	queued, ok := fx.queue.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "evt-2", queued.ID)
	assert.Equal(t, []string{"person"}, queued.SmartDetectTypes)
	assert.Equal(t, 30*time.Second, queued.Duration())
}

func TestListenerNormalizesSmartDetectIDs(t *testing.T) {
	fx := newListenerFixture(t, nil)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := protect.Event{
		ID:               "665e17c1-665e17c203bd",
		Type:             protect.EventTypeSmartDetect,
		CameraID:         "cam-1",
		Start:            protect.Timestamp{Time: start},
		End:              protect.Timestamp{Time: start.Add(time.Minute)},
		SmartDetectTypes: []string{"person"},
	}

	fx.l.handle(context.Background(), addMessage(t, ev))

	queued, ok := fx.queue.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "665e17c1", queued.ID)
}

func TestListenerIgnoresOtherModels(t *testing.T) {
	fx := newListenerFixture(t, nil)
	fx.l.handle(context.Background(), &protect.WSMessage{
		Action: protect.Action{Action: "add", ID: "cam-9", ModelKey: "camera"},
		Data:   json.RawMessage(`{"id":"cam-9"}`),
	})
	live, backlog := fx.queue.Depths()
	assert.Zero(t, live+backlog)
}

func TestListenerSkipsEventsAlreadyInFlight(t *testing.T) {
	fx := newListenerFixture(t, nil)
	fx.tracker.Add("evt-3")
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := protect.Event{
		ID:       "evt-3",
		Type:     protect.EventTypeMotion,
		CameraID: "cam-1",
		Start:    protect.Timestamp{Time: start},
		End:      protect.Timestamp{Time: start.Add(time.Minute)},
	}

	fx.l.handle(context.Background(), addMessage(t, ev))

	live, _ := fx.queue.Depths()
	assert.Zero(t, live)
}

func TestListenerWakesReconcilerAfterReconnect(t *testing.T) {
	dropped := &fakeStream{msgs: make(chan *protect.WSMessage)}
	close(dropped.msgs)
	healthy := &fakeStream{msgs: make(chan *protect.WSMessage)}

	var connects atomic.Int32
	connect := func(ctx context.Context) (Stream, error) {
		if connects.Add(1) == 1 {
			return dropped, nil
		}
		return healthy, nil
	}
	fx := newListenerFixture(t, connect)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.l.Serve(ctx) }()

	select {
	case <-fx.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not wake the reconciler")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Reconnects))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.True(t, dropped.closed.Load())
}

func TestListenerBackoffBounds(t *testing.T) {
	fx := newListenerFixture(t, nil)
	for attempt := 0; attempt < 12; attempt++ {
		d := fx.l.backoff(attempt)
		assert.GreaterOrEqual(t, d, reconnectBase, "attempt %d", attempt)
		assert.LessOrEqual(t, d, reconnectCap, "attempt %d", attempt)
	}
}
