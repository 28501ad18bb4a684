package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/RoomRedesign/internal/app"
	"github.com/dharsanguruparan/RoomRedesign/internal/config"
	"github.com/dharsanguruparan/RoomRedesign/internal/database"
	"github.com/dharsanguruparan/RoomRedesign/internal/logging"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Env, cfg.LogLevel), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := database.Migrate(cfg.DatabaseURL, log); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate worker configuration and the inference entry point",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			a := &app.App{Cfg: cfg, Log: log}
			if err := a.InferenceWorker().CheckReady(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inference worker ready: %s %s\n", cfg.WorkerCommand, cfg.WorkerScript)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id|token>",
		Short: "Print a redesign record without counting a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, log, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			var rec *redesign.Record
			if _, parseErr := uuid.Parse(args[0]); parseErr == nil {
				rec, err = a.Repo.GetByID(ctx, args[0])
			} else {
				rec, err = a.Repo.GetByToken(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), rec, time.Now())
		},
	}
}

// statusView omits the token and the email address.
type statusView struct {
	ID             string          `json:"id"`
	Status         redesign.Status `json:"status"`
	Outcome        redesign.Status `json:"outcome,omitempty"`
	Params         redesign.Params `json:"params"`
	TokenExpiry    time.Time       `json:"tokenExpiry"`
	TokenExpired   bool            `json:"tokenExpired"`
	OutputRef      *string         `json:"outputRef,omitempty"`
	ProcessingTime *int64          `json:"processingTimeMs,omitempty"`
	ViewCount      int             `json:"viewCount"`
	FirstViewedAt  *time.Time      `json:"firstViewedAt,omitempty"`
	UserRating     *int            `json:"userRating,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ErrorDetails   *string         `json:"errorDetails,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

func printStatus(w io.Writer, rec *redesign.Record, now time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusView{
		ID:             rec.ID,
		Status:         rec.Status,
		Outcome:        rec.Outcome,
		Params:         rec.Params,
		TokenExpiry:    rec.TokenExpiry,
		TokenExpired:   rec.Expired(now),
		OutputRef:      rec.OutputArtifactRef,
		ProcessingTime: rec.ProcessingTimeMs,
		ViewCount:      rec.ViewCount,
		FirstViewedAt:  rec.FirstViewedAt,
		UserRating:     rec.UserRating,
		ErrorMessage:   rec.ErrorMessage,
		ErrorDetails:   rec.ErrorDetails,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
	})
}

func newGenerateCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "generate <id>",
		Short: "Run the generation job for a record in this process",
		Long: `generate runs the job for an UPLOADING record in the foreground. With --resume it
re-runs a record left in PROCESSING by a configuration error, once the setup has
been fixed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Repository == config.RepositoryMemory {
				return errors.New("generate needs a persistent repository")
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, log, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			processor := a.Processor()
			if resume {
				err = processor.Resume(ctx, args[0])
			} else {
				err = processor.Process(ctx, queue.GeneratePayload{RedesignID: args[0]})
			}
			if err != nil {
				return err
			}
			rec, err := a.Repo.GetByID(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), rec, time.Now())
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Re-run a record stuck in PROCESSING")
	return cmd
}
