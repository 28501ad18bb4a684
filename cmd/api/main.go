// Command api serves uploads, magic links and feedback. With inline dispatch
// it also runs generation jobs in-process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/RoomRedesign/internal/api"
	"github.com/dharsanguruparan/RoomRedesign/internal/app"
	"github.com/dharsanguruparan/RoomRedesign/internal/config"
	"github.com/dharsanguruparan/RoomRedesign/internal/logging"
	"github.com/dharsanguruparan/RoomRedesign/internal/processing"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
	"github.com/dharsanguruparan/RoomRedesign/internal/verification"
	"github.com/dharsanguruparan/RoomRedesign/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := app.New(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var dispatcher worker.Dispatcher
	switch cfg.Dispatch {
	case config.DispatchInline:
		if err := a.InferenceWorker().CheckReady(); err != nil {
			return fmt.Errorf("inference worker: %w", err)
		}
		proc := a.Processor()
		pool := processing.New(proc.Process, proc.Abandon, cfg.Workers, log)
		pool.Start(ctx)
		defer pool.Stop()
		dispatcher = pool
	default:
		client := queue.NewClient(a.RedisOpt(), cfg.JobTimeout)
		defer client.Close()
		dispatcher = client
	}

	srv := api.New(cfg, api.Deps{
		Repo:       a.Repo,
		Store:      a.Store,
		Dispatcher: dispatcher,
		Verifier: verification.NewService(a.Repo, a.Store, log,
			verification.WithURLTTL(cfg.ArtifactURLTTL)),
		Files:  a.Files,
		Signer: a.Signer,
		Ping:   a.Ping,
	}, log)

	log.Info().
		Str("repository", cfg.Repository).
		Str("dispatch", cfg.Dispatch).
		Str("artifacts", cfg.Artifacts).
		Msg("api starting")
	return srv.Run(ctx)
}
