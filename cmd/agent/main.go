package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/technosupport/ts-protect-backup/internal/agent"
	"github.com/technosupport/ts-protect-backup/internal/config"
	"github.com/technosupport/ts-protect-backup/internal/logging"
	"github.com/technosupport/ts-protect-backup/internal/notify"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return config.ExitCodeConfig
	}

	// The dispatcher logs through a plain console logger so a delivery
	// failure cannot loop back into the notification sink.
	consoleLog := logging.New(logging.Options{Verbosity: cfg.Verbosity, Output: os.Stderr})

	log := consoleLog
	var dispatcher *notify.Dispatcher
	if len(cfg.NotifyTargets) > 0 {
		dispatcher = notify.NewDispatcher(cfg.NotifyTargets, consoleLog)
		sinkLevel, _ := notify.MinLevel(cfg.NotifyTargets)
		log = logging.New(logging.Options{
			Verbosity: cfg.Verbosity,
			Output:    os.Stderr,
			Sink:      dispatcher,
			SinkLevel: sinkLevel,
		})
		dispatcher.Start()
		defer dispatcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// After the first signal the handler is dropped, so a second
		// signal kills the process without waiting out the drain.
		<-ctx.Done()
		stop()
	}()

	err = agent.New(cfg, log, version).Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error("agent failed", "error", err)
	}
	return agent.ExitStatusFor(err).AsInt()
}
