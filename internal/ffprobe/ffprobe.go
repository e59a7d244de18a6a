// Package ffprobe measures the duration of a clip as it streams through
// the pipeline. The probe is strictly best effort: it swallows its own
// failures so a missing or crashing ffprobe can never fail an upload.
package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Prober starts probe sessions. Binary is resolved against PATH.
type Prober struct {
	Binary string
	log    *slog.Logger
}

func New(log *slog.Logger) *Prober {
	return &Prober{Binary: "ffprobe", log: log.With("component", "ffprobe")}
}

// Available reports whether the binary can be found at all.
func (pr *Prober) Available() bool {
	_, err := exec.LookPath(pr.Binary)
	return err == nil
}

// Start launches ffprobe reading from stdin. On any error the caller gets
// a nil *Probe, which is safe to write to and reports no duration.
func (pr *Prober) Start(ctx context.Context) *Probe {
	cmd := exec.CommandContext(ctx, pr.Binary,
		"-v", "quiet",
		"-show_streams",
		"-select_streams", "v:0",
		"-of", "json",
		"-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.log.Debug("ffprobe unavailable", "error", err)
		return nil
	}
	p := &Probe{log: pr.log}
	cmd.Stdout = &p.stdout
	if err := cmd.Start(); err != nil {
		pr.log.Debug("ffprobe unavailable", "error", err)
		return nil
	}
	p.cmd = cmd
	p.stdin = stdin
	return p
}

// Probe is one in-flight measurement. It implements io.Writer so the clip
// stream can be teed through it; Write never returns an error.
type Probe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout bytes.Buffer
	log    *slog.Logger

	mu     sync.Mutex
	broken bool

	waitOnce sync.Once
	waitErr  error
}

// wait reaps the process exactly once; Duration and Abort can race.
func (p *Probe) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// Write feeds clip bytes to ffprobe. Once the pipe breaks (ffprobe has
// seen enough, or died) further writes are discarded.
func (p *Probe) Write(b []byte) (int, error) {
	if p == nil {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.broken {
		if _, err := p.stdin.Write(b); err != nil {
			p.broken = true
		}
	}
	return len(b), nil
}

// Duration closes the stream and reports what ffprobe measured.
func (p *Probe) Duration() (time.Duration, error) {
	if p == nil {
		return 0, fmt.Errorf("probe not running")
	}
	p.mu.Lock()
	p.stdin.Close()
	p.mu.Unlock()
	if err := p.wait(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var result struct {
		Streams []struct {
			Duration string `json:"duration"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(p.stdout.Bytes(), &result); err != nil {
		return 0, fmt.Errorf("ffprobe output: %w", err)
	}
	if len(result.Streams) == 0 || result.Streams[0].Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no video stream duration")
	}
	secs, err := strconv.ParseFloat(result.Streams[0].Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", result.Streams[0].Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Abort kills the probe without caring about its result.
func (p *Probe) Abort() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.stdin.Close()
	p.broken = true
	p.mu.Unlock()
	p.cmd.Process.Kill()
	p.wait()
}
