package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/jessevdk/go-flags"

	"github.com/mtereshkin/galago/cache"
)

func main() {
	p := flags.NewParser(&opts, flags.Default)

	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Println("cli error:", err)
		}

		os.Exit(2)
	}

	wg := sync.WaitGroup{}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Initialize all components.
	logger, closeLogger := setupLogger()
	st, closeSafeState := setupSafeState(logger)
	grp, closeGroup := setupGroup(logger, st)
	_, closeReplicator := setupReplicator(&wg, logger, grp, st, cache.New())

	// Components must be shut down in a particular order.
	shutdownOrder := []shutdownFunc{
		closeReplicator,
		closeGroup,
		closeSafeState,
		closeLogger,
	}

	if opts.Metrics.Enabled {
		_, closeMetrics := setupMetricsServer(&wg, logger)
		shutdownOrder = append([]shutdownFunc{closeMetrics}, shutdownOrder...)
	}

	// Block until we receive a signal to shut down.
	<-interrupt
	level.Info(logger).Log("msg", "received interrupt signal, shutting down")

	// Shutdown all components.
	for _, f := range shutdownOrder {
		if err := f(context.Background()); err != nil {
			level.Error(logger).Log("msg", "failed to shutdown component", "err", err)
		}
	}

	// Wait for all components to finish background tasks.
	wg.Wait()
}
