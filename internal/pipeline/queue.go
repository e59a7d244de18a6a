package pipeline

import (
	"context"

	"github.com/technosupport/ts-protect-backup/internal/protect"
)

// Queue is the bounded two-lane event queue feeding the downloader. Live
// events from the websocket outrank backlog events from the reconciler:
// the consumer always drains the live lane first.
type Queue struct {
	live    chan protect.Event
	backlog chan protect.Event
}

func NewQueue(size int) *Queue {
	return &Queue{
		live:    make(chan protect.Event, size),
		backlog: make(chan protect.Event, size),
	}
}

// OfferLive queues a realtime event, blocking while the lane is full.
func (q *Queue) OfferLive(ctx context.Context, ev protect.Event) error {
	select {
	case q.live <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfferBacklog queues a reconciler event. The reconciler is the
// low-priority producer and simply waits when the pipeline is saturated.
func (q *Queue) OfferBacklog(ctx context.Context, ev protect.Event) error {
	select {
	case q.backlog <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next event, preferring the live lane. ok is false when
// ctx is cancelled.
func (q *Queue) Next(ctx context.Context) (protect.Event, bool) {
	// Bias: drain live first even when both lanes are ready.
	select {
	case ev := <-q.live:
		return ev, true
	default:
	}
	select {
	case ev := <-q.live:
		return ev, true
	case ev := <-q.backlog:
		return ev, true
	case <-ctx.Done():
		return protect.Event{}, false
	}
}

// Depths reports the queued counts per lane.
func (q *Queue) Depths() (live, backlog int) {
	return len(q.live), len(q.backlog)
}
