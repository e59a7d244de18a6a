// Package listener consumes the NVR's realtime update stream and feeds
// finished events into the pipeline. It owns the reconnect policy; a
// re-established stream also wakes the reconciler, because anything that
// happened during the gap was never seen here.
package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

// Most events arrive as an "add" without an end time and complete through
// later "update" frames; they wait here in the meantime. The cap only
// matters if the NVR floods partial events and never finishes them.
const pendingEvents = 1024

const (
	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second
)

// Stream is one live update subscription.
type Stream interface {
	Messages() <-chan *protect.WSMessage
	Err() error
	Close()
}

// ConnectFunc opens a new subscription.
type ConnectFunc func(ctx context.Context) (Stream, error)

type Config struct {
	Connect ConnectFunc
	Queue   *pipeline.Queue
	Filter  *pipeline.Filter
	Tracker *pipeline.Tracker
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Log     *slog.Logger

	// Wake receives a nudge after every reconnect so the reconciler can
	// sweep the gap. Sends never block.
	Wake chan<- struct{}
}

type Listener struct {
	cfg     Config
	pending *lru.Cache[string, protect.Event]
}

func New(cfg Config) (*Listener, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	pending, err := lru.New[string, protect.Event](pendingEvents)
	if err != nil {
		return nil, err
	}
	return &Listener{cfg: cfg, pending: pending}, nil
}

func (l *Listener) Serve(ctx context.Context) error {
	attempt := 0
	connected := false
	for {
		stream, err := l.cfg.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := l.backoff(attempt)
			attempt++
			l.cfg.Log.Warn("realtime subscribe failed", "error", err, "retry_in", delay)
			select {
			case <-l.cfg.Clock.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0
		if !connected {
			connected = true
			l.cfg.Log.Info("listening for realtime events")
		} else {
			l.cfg.Metrics.Reconnects.Inc()
			l.cfg.Log.Info("realtime stream re-established, scheduling a reconcile pass")
			l.wake()
		}

		l.consume(ctx, stream)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.cfg.Log.Warn("realtime stream dropped", "error", stream.Err())
	}
}

func (l *Listener) consume(ctx context.Context, stream Stream) {
	defer stream.Close()
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			l.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg *protect.WSMessage) {
	if msg.Action.ModelKey != "event" || msg.Data == nil {
		return
	}
	switch msg.Action.Action {
	case "add":
		var ev protect.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			l.cfg.Log.Debug("undecodable event add", "id", msg.Action.ID, "error", err)
			return
		}
		if ev.ID == "" {
			ev.ID = msg.Action.ID
		}
		l.observe(ctx, msg.Action.ID, ev)
	case "update":
		// Updates carry only the changed fields; they are meaningless
		// without the add we parked earlier.
		ev, ok := l.pending.Get(msg.Action.ID)
		if !ok {
			return
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			l.cfg.Log.Debug("undecodable event update", "id", msg.Action.ID, "error", err)
			return
		}
		l.observe(ctx, msg.Action.ID, ev)
	}
}

// observe parks an in-progress event or, once it has an end time, runs it
// through the eligibility gate and onto the live lane.
func (l *Listener) observe(ctx context.Context, rawID string, ev protect.Event) {
	if !ev.Complete() {
		l.pending.Add(rawID, ev)
		l.cfg.Log.Log(ctx, logging.LevelExtraDebug, "event in progress",
			"event_id", rawID, "type", ev.Type)
		return
	}
	l.pending.Remove(rawID)

	ev.ID = protect.NormalizeEventID(ev.ID)
	log := logging.ForEvent(l.cfg.Log, ev.ID, ev.CameraID)
	if ok, reason := l.cfg.Filter.Eligible(ev); !ok {
		log.Debug("ignoring event", "reason", reason)
		return
	}
	if !l.cfg.Tracker.Add(ev.ID) {
		log.Debug("event already in flight")
		return
	}
	log.Info("backing up event", "type", ev.Type, "length", ev.Duration())
	if err := l.cfg.Queue.OfferLive(ctx, ev); err != nil {
		l.cfg.Tracker.Remove(ev.ID)
	}
}

func (l *Listener) wake() {
	if l.cfg.Wake == nil {
		return
	}
	select {
	case l.cfg.Wake <- struct{}{}:
	default:
	}
}

// backoff implements full jitter: a random delay up to the doubling cap,
// so a rebooting NVR is not hammered in lockstep.
func (l *Listener) backoff(attempt int) time.Duration {
	ceiling := reconnectBase << min(attempt, 10)
	if ceiling > reconnectCap {
		ceiling = reconnectCap
	}
	delay := rand.N(ceiling)
	if delay < reconnectBase {
		delay = reconnectBase
	}
	return delay
}
