// Package logging provides the agent's slog setup: two extra verbosity
// levels below debug, the verbosity-flag mapping, and an optional sink that
// tees records into the notification dispatcher.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// Levels below slog.LevelDebug used for protocol tracing. WEBSOCKET_DATA
// logs full realtime frames and is extremely noisy.
const (
	LevelExtraDebug    slog.Level = slog.LevelDebug - 2
	LevelWebsocketData slog.Level = slog.LevelDebug - 4
)

var levelNames = map[slog.Level]string{
	slog.LevelError:    "ERROR",
	slog.LevelWarn:     "WARNING",
	slog.LevelInfo:     "INFO",
	slog.LevelDebug:    "DEBUG",
	LevelExtraDebug:    "EXTRA_DEBUG",
	LevelWebsocketData: "WEBSOCKET_DATA",
}

var namedLevels = map[string]slog.Level{
	"ERROR":          slog.LevelError,
	"WARNING":        slog.LevelWarn,
	"INFO":           slog.LevelInfo,
	"DEBUG":          slog.LevelDebug,
	"EXTRA_DEBUG":    LevelExtraDebug,
	"WEBSOCKET_DATA": LevelWebsocketData,
}

// LevelName returns the agent's name for l, falling back to slog's own
// rendering for levels it does not define.
func LevelName(l slog.Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return l.String()
}

// NamedLevel resolves a level tag such as "WARNING" or "EXTRA_DEBUG".
func NamedLevel(name string) (slog.Level, bool) {
	l, ok := namedLevels[name]
	return l, ok
}

// VerbosityLevel maps the -v count (0..5) onto a minimum level. Counts
// beyond 5 behave like 5.
func VerbosityLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelInfo
	case v == 1:
		return slog.LevelDebug
	case v <= 3:
		return LevelExtraDebug
	default:
		return LevelWebsocketData
	}
}

// Sink receives every record the logger emits at or above its level.
// Implementations must not log through the same logger.
type Sink interface {
	Record(level slog.Level, message string)
}

type Options struct {
	Verbosity int
	Output    io.Writer
	Sink      Sink
	SinkLevel slog.Level
}

// New builds the root logger. Console output honours the verbosity flag;
// the sink, when present, additionally receives records down to SinkLevel.
func New(opts Options) *slog.Logger {
	consoleMin := VerbosityLevel(opts.Verbosity)
	text := slog.NewTextHandler(opts.Output, &slog.HandlerOptions{
		Level: consoleMin,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(l))
				}
			}
			return a
		},
	})
	if opts.Sink == nil {
		return slog.New(text)
	}
	return slog.New(&teeHandler{
		console:    text,
		consoleMin: consoleMin,
		sink:       opts.Sink,
		sinkMin:    opts.SinkLevel,
	})
}

// teeHandler forwards records to the console handler and to the
// notification sink, each gated by its own minimum level.
type teeHandler struct {
	console    slog.Handler
	consoleMin slog.Level
	sink       Sink
	sinkMin    slog.Level
	attrs      []slog.Attr
}

func (h *teeHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.consoleMin || l >= h.sinkMin
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if r.Level >= h.consoleMin {
		err = h.console.Handle(ctx, r)
	}
	if r.Level >= h.sinkMin {
		h.sink.Record(r.Level, r.Message)
	}
	return err
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{
		console:    h.console.WithAttrs(attrs),
		consoleMin: h.consoleMin,
		sink:       h.sink,
		sinkMin:    h.sinkMin,
		attrs:      append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{
		console:    h.console.WithGroup(name),
		consoleMin: h.consoleMin,
		sink:       h.sink,
		sinkMin:    h.sinkMin,
		attrs:      h.attrs,
	}
}

// ForEvent returns l annotated with the identifiers every per-event log
// line carries.
func ForEvent(l *slog.Logger, eventID, cameraName string) *slog.Logger {
	return l.With("event_id", eventID, "camera", cameraName)
}
