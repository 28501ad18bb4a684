// Package app wires configuration into the repositories, stores and job
// machinery shared by the api, the worker and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/config"
	"github.com/dharsanguruparan/RoomRedesign/internal/database"
	"github.com/dharsanguruparan/RoomRedesign/internal/jobrunner"
	"github.com/dharsanguruparan/RoomRedesign/internal/notify"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
	"github.com/dharsanguruparan/RoomRedesign/internal/repository"
	"github.com/dharsanguruparan/RoomRedesign/internal/s3storage"
	"github.com/dharsanguruparan/RoomRedesign/internal/signing"
	"github.com/dharsanguruparan/RoomRedesign/internal/storage"
	"github.com/dharsanguruparan/RoomRedesign/internal/worker"
)

// App holds the backends selected by configuration.
type App struct {
	Cfg    *config.Config
	Log    zerolog.Logger
	Repo   redesign.Repository
	Store  redesign.ArtifactStore
	Signer *signing.Signer
	// Files is set only for filesystem artifacts, which the api serves itself.
	Files *storage.FileStore

	pool *pgxpool.Pool
}

// Options tune New.
type Options struct {
	// Migrate applies pending schema migrations before the pool is opened.
	Migrate bool
}

// New opens the repository and artifact store named by cfg.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Log: log, Signer: signing.NewSigner(cfg.SigningSecret)}
	if err := a.wireRepository(ctx, opts); err != nil {
		return nil, err
	}
	if err := a.wireStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireRepository(ctx context.Context, opts Options) error {
	switch a.Cfg.Repository {
	case config.RepositoryMemory:
		a.Log.Warn().Msg("using the in-memory repository; records are lost on restart")
		a.Repo = repository.NewMemory()
		return nil
	case config.RepositoryPostgres:
		if opts.Migrate {
			if err := database.Migrate(a.Cfg.DatabaseURL, a.Log); err != nil {
				return err
			}
		}
		pool, err := database.Connect(ctx, a.Cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.Repo = repository.NewPostgres(pool)
		return nil
	}
	return fmt.Errorf("unknown repository %q", a.Cfg.Repository)
}

func (a *App) wireStore(ctx context.Context) error {
	switch a.Cfg.Artifacts {
	case config.ArtifactsFilesystem:
		files, err := storage.NewFileStore(a.Cfg.ArtifactDir, a.Cfg.PublicURL, a.Signer)
		if err != nil {
			return err
		}
		a.Files = files
		a.Store = files
		return nil
	case config.ArtifactsS3:
		store, err := s3storage.New(s3storage.Options{
			Endpoint:  a.Cfg.S3Endpoint,
			AccessKey: a.Cfg.S3AccessKey,
			SecretKey: a.Cfg.S3SecretKey,
			Bucket:    a.Cfg.S3Bucket,
			Region:    a.Cfg.S3Region,
			UseSSL:    a.Cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		a.Store = store
		return nil
	}
	return fmt.Errorf("unknown artifact backend %q", a.Cfg.Artifacts)
}

// Ping reports whether the database answers. The memory repository is always
// healthy.
func (a *App) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// Notifier returns an SMTP notifier when a relay is configured and a logging
// one otherwise.
func (a *App) Notifier() notify.Notifier {
	if a.Cfg.SMTPHost == "" {
		a.Log.Warn().Msg("REDESIGN_SMTP_HOST not set; notifications are only logged")
		return notify.LogNotifier{Logger: a.Log}
	}
	return notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     a.Cfg.SMTPHost,
		Port:     a.Cfg.SMTPPort,
		Username: a.Cfg.SMTPUsername,
		Password: a.Cfg.SMTPPassword,
		From:     a.Cfg.SMTPFrom,
	})
}

// InferenceWorker describes the external generation process.
func (a *App) InferenceWorker() *jobrunner.ProcessWorker {
	return &jobrunner.ProcessWorker{
		Command: a.Cfg.WorkerCommand,
		Script:  a.Cfg.WorkerScript,
		Logger:  a.Log,
	}
}

// Processor builds the job processor around the external inference worker.
func (a *App) Processor() *worker.Processor {
	runner := jobrunner.NewRunner(a.InferenceWorker(), a.Cfg.JobTimeout, a.Log)
	return worker.NewProcessor(a.Repo, a.Store, runner, a.Notifier(), worker.Options{
		InputDir:  a.Cfg.InputDir,
		OutputDir: a.Cfg.OutputDir,
		Steps:     a.Cfg.InferenceSteps,
		ViewURL:   a.Cfg.ViewURL,
	}, a.Log)
}

// RedisOpt returns the asynq connection settings.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	opt := a.Cfg.RedisOpt()
	return asynq.RedisClientOpt{Addr: opt.Addr, Password: opt.Password, DB: opt.DB}
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
