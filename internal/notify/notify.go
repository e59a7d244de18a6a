// Package notify delivers log records to Apprise-API endpoints and
// publishes pipeline lifecycle events on NATS.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-protect-backup/internal/logging"
)

const (
	dispatchQueueSize = 64
	dispatchTimeout   = 10 * time.Second
	appriseTitle      = "UniFi Protect Backup"
)

// Target is one Apprise-API endpoint with the set of level tags it
// subscribes to.
type Target struct {
	URL    string
	Levels map[slog.Level]bool
}

// ParseTarget parses a notifier spec of the form "LEVELS=url" where LEVELS
// is a comma-separated list of level tags (ERROR, WARNING, INFO, DEBUG,
// EXTRA_DEBUG, WEBSOCKET_DATA). A bare url subscribes to ERROR only.
func ParseTarget(spec string) (Target, error) {
	levels := map[slog.Level]bool{slog.LevelError: true}
	url := spec
	if idx := strings.Index(spec, "="); idx >= 0 {
		url = spec[idx+1:]
		levels = map[slog.Level]bool{}
		for _, tag := range strings.Split(spec[:idx], ",") {
			tag = strings.TrimSpace(tag)
			l, ok := logging.NamedLevel(tag)
			if !ok {
				return Target{}, fmt.Errorf("notifier %q: unknown level tag %q", spec, tag)
			}
			levels[l] = true
		}
	}
	if url == "" {
		return Target{}, fmt.Errorf("notifier %q: empty url", spec)
	}
	return Target{URL: url, Levels: levels}, nil
}

// MinLevel returns the most verbose level any target subscribes to, used to
// gate the logging tee. Returns ok=false when no target exists.
func MinLevel(targets []Target) (slog.Level, bool) {
	var min slog.Level
	found := false
	for _, t := range targets {
		for l := range t.Levels {
			if !found || l < min {
				min = l
				found = true
			}
		}
	}
	return min, found
}

type record struct {
	level   slog.Level
	message string
}

// Dispatcher fans log records out to the configured targets. It implements
// logging.Sink; Record never blocks, dropping when the queue is full.
type Dispatcher struct {
	targets []Target
	client  *http.Client
	log     *slog.Logger

	queue    chan record
	stopChan chan struct{}
	wg       sync.WaitGroup
	dropped  int
	mu       sync.Mutex
}

// NewDispatcher builds a dispatcher for targets. log must not itself tee
// into this dispatcher.
func NewDispatcher(targets []Target, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		targets:  targets,
		client:   &http.Client{Timeout: dispatchTimeout},
		log:      log,
		queue:    make(chan record, dispatchQueueSize),
		stopChan: make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.runLoop()
}

func (d *Dispatcher) Stop() {
	close(d.stopChan)
	d.wg.Wait()
}

// Record implements logging.Sink.
func (d *Dispatcher) Record(level slog.Level, message string) {
	select {
	case d.queue <- record{level: level, message: message}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Dropped reports how many records were discarded because the queue was
// full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) runLoop() {
	defer d.wg.Done()
	for {
		select {
		case rec := <-d.queue:
			d.send(rec)
		case <-d.stopChan:
			// Flush whatever is already queued.
			for {
				select {
				case rec := <-d.queue:
					d.send(rec)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) send(rec record) {
	for _, t := range d.targets {
		if !t.Levels[rec.level] {
			continue
		}
		if err := d.post(t.URL, rec); err != nil {
			d.log.Warn("notification delivery failed", "url", t.URL, "error", err)
		}
	}
}

func (d *Dispatcher) post(url string, rec record) error {
	payload, err := json.Marshal(map[string]string{
		"title": appriseTitle,
		"body":  fmt.Sprintf("[%s] %s", logging.LevelName(rec.level), rec.message),
		"type":  appriseType(rec.level),
	})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("apprise returned %s", resp.Status)
	}
	return nil
}

func appriseType(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "failure"
	case l >= slog.LevelWarn:
		return "warning"
	default:
		return "info"
	}
}
