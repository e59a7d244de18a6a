package pipeline

import "sync"

// Tracker is the set of event ids currently inside the pipeline: queued,
// downloading or uploading. Producers consult it so the listener and the
// reconciler cannot enqueue the same event twice.
type Tracker struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{ids: make(map[string]struct{})}
}

// Add claims an id. It returns false when the id is already in flight.
func (t *Tracker) Add(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

// Remove releases an id after its terminal outcome (uploaded, skipped,
// banned or failed).
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, id)
}

// Has reports whether the id is in flight.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// Len is the number of in-flight ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

// Snapshot lists the in-flight ids for diagnostics.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	return out
}
