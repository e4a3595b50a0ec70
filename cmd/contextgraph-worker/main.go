package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/contextgraph/internal/app"
	"github.com/malbeclabs/contextgraph/pkg/config"
	"github.com/malbeclabs/contextgraph/pkg/logger"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/queue"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	flag.BoolVar(&settings.Verbose, "verbose", settings.Verbose, "enable verbose (debug) logging")
	settings.BindFlags(flag.CommandLine)
	queuesFlag := flag.StringSlice("queues", nil, "queues to consume, comma separated (default: all)")
	serveAPIFlag := flag.Bool("serve-api", true, "serve the HTTP API on --listen-addr")
	schedulerFlag := flag.Bool("scheduler", true, "run the periodic scheduler")
	flag.Parse()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	queues, err := queue.ParseNames(*queuesFlag)
	if err != nil {
		return err
	}

	log := logger.New(settings.Verbose)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("worker: received signal", "signal", sig.String())
		cancel()
	}()

	metricsServerErrCh := make(chan error, 1)
	if settings.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", settings.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	a, err := app.New(ctx, app.Config{Logger: log, Settings: settings})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	q, err := a.NewQueue(ctx, queues)
	if err != nil {
		return fmt.Errorf("failed to create %s queue: %w", settings.QueueBackend, err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error("failed to close queue", "error", err)
		}
	}()

	w, err := a.NewWorker(q, queues)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	errCh := make(chan error, 3)
	running := 0

	running++
	go func() {
		if err := w.Run(ctx); err != nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
			return
		}
		errCh <- nil
	}()

	if *schedulerFlag {
		scheduler, err := a.NewScheduler(q)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		running++
		go func() {
			if err := scheduler.RunScheduler(ctx, settings.SchedulerInterval, false); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("scheduler failed: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	if *serveAPIFlag {
		server, err := a.NewAPI()
		if err != nil {
			return fmt.Errorf("failed to create api server: %w", err)
		}
		running++
		go func() {
			if err := server.ListenAndServe(ctx, settings.ListenAddr); err != nil {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	log.Info("worker: started",
		"queue_backend", settings.QueueBackend,
		"queues", queues,
		"concurrency", settings.WorkerConcurrency,
		"scheduler_interval", settings.SchedulerInterval,
		"version", version,
	)

	var firstErr error
	for running > 0 {
		select {
		case err := <-metricsServerErrCh:
			if firstErr == nil {
				firstErr = fmt.Errorf("metrics server failed: %w", err)
			}
			cancel()
		case err := <-errCh:
			running--
			if err != nil && firstErr == nil {
				firstErr = err
				cancel()
			}
		}
	}
	log.Info("worker: stopped")
	return firstErr
}
