// Command worker consumes generation tasks from Redis and runs them on the
// external inference worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/RoomRedesign/internal/app"
	"github.com/dharsanguruparan/RoomRedesign/internal/config"
	"github.com/dharsanguruparan/RoomRedesign/internal/logging"
	"github.com/dharsanguruparan/RoomRedesign/internal/metrics"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	if cfg.Dispatch != config.DispatchAsynq {
		return fmt.Errorf("worker needs REDESIGN_DISPATCH=%s, got %q", config.DispatchAsynq, cfg.Dispatch)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := app.New(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// A broken inference setup must stop the worker here, before it takes
	// jobs it cannot run.
	if err := a.InferenceWorker().CheckReady(); err != nil {
		return fmt.Errorf("inference worker: %w", err)
	}

	server := queue.NewServer(a.RedisOpt(), cfg.Workers, log)
	mux := a.Processor().Handler()
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("concurrency", cfg.Workers).Dur("job_timeout", cfg.JobTimeout).Msg("worker consuming tasks")
		return server.Start(mux)
	})
	g.Go(func() error {
		log.Info().Str("address", cfg.MetricsAddress).Msg("worker metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
