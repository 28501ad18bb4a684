// Package worker applies generation jobs to redesign records: it moves the
// record to PROCESSING, runs the job, stores the output and records the
// outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/jobrunner"
	"github.com/dharsanguruparan/RoomRedesign/internal/metrics"
	"github.com/dharsanguruparan/RoomRedesign/internal/notify"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

// Messages stored on records for failures that happen around the job itself.
const (
	MsgInterrupted    = "Generation was interrupted before it finished."
	MsgInputMissing   = "The uploaded photo could not be read."
	MsgOutputNotSaved = "The generated image could not be saved."
	MsgNotQueued      = "The submission could not be queued."
)

// outcomeWriteTimeout bounds record updates made after the job context ended.
const outcomeWriteTimeout = 30 * time.Second

// Dispatcher hands an accepted record to whatever runs generation jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload queue.GeneratePayload) error
}

// JobRunner runs one generation job. *jobrunner.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error)
}

// Options configures a Processor.
type Options struct {
	// InputDir receives the local copy of the uploaded photo.
	InputDir string
	// OutputDir is where the worker writes results. Output paths outside it
	// are rejected.
	OutputDir string
	// Steps is the inference step count passed to every job.
	Steps int
	// ViewURL is the page magic links point at; the token is appended.
	ViewURL string
}

// Processor applies jobs to records.
type Processor struct {
	repo     redesign.Repository
	store    redesign.ArtifactStore
	runner   JobRunner
	notifier notify.Notifier
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo redesign.Repository, store redesign.ArtifactStore, runner JobRunner, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Processor {
	if opts.Steps <= 0 {
		opts.Steps = redesign.DefaultSteps
	}
	return &Processor{
		repo:     repo,
		store:    store,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// Process runs the job for payload. A record that is already PROCESSING was
// picked up before and lost its job, so it is failed rather than run twice.
// Records in any later state are left alone.
func (p *Processor) Process(ctx context.Context, payload queue.GeneratePayload) error {
	id := payload.RedesignID
	log := p.logger.With().Str("redesign_id", id).Logger()

	if err := p.repo.MarkProcessing(ctx, id); err != nil {
		var te *redesign.TransitionError
		switch {
		case errors.As(err, &te) && te.From == redesign.StatusProcessing:
			log.Warn().Msg("worker: redelivered job for a record already processing")
			return p.fail(ctx, id, redesign.Failure{Message: MsgInterrupted})
		case errors.As(err, &te):
			log.Info().Str("status", string(te.From)).Msg("worker: record already handled, skipping")
			return nil
		default:
			return fmt.Errorf("mark processing %s: %w", id, err)
		}
	}
	return p.run(ctx, id)
}

// Resume runs the job for a record left in PROCESSING, for instance after a
// configuration error was fixed. It is an operator action.
func (p *Processor) Resume(ctx context.Context, id string) error {
	rec, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load redesign %s: %w", id, err)
	}
	switch rec.Status {
	case redesign.StatusUploading:
		return p.Process(ctx, queue.GeneratePayload{RedesignID: id})
	case redesign.StatusProcessing:
		return p.run(ctx, id)
	default:
		return &redesign.TransitionError{ID: id, From: rec.Status, To: redesign.StatusProcessing}
	}
}

// Abandon fails a record whose job was accepted but will never run, for
// instance because the in-process pool is shutting down. ctx may already be
// cancelled. Records that moved past UPLOADING are left alone.
func (p *Processor) Abandon(ctx context.Context, payload queue.GeneratePayload) error {
	id := payload.RedesignID
	writeCtx, cancel := outcomeContext(ctx)
	defer cancel()

	if err := p.repo.MarkProcessing(writeCtx, id); err != nil {
		var te *redesign.TransitionError
		if errors.As(err, &te) {
			return nil
		}
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	rec, err := p.repo.GetByID(writeCtx, id)
	if err != nil {
		return fmt.Errorf("load redesign %s: %w", id, err)
	}
	p.logger.Warn().Str("redesign_id", id).Msg("worker: job abandoned before it ran")
	return p.failAndNotify(writeCtx, rec, redesign.Failure{Message: MsgNotQueued})
}

func (p *Processor) run(ctx context.Context, id string) error {
	log := p.logger.With().Str("redesign_id", id).Logger()
	rec, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load redesign %s: %w", id, err)
	}

	inputPath, err := p.fetchInput(ctx, rec)
	if err != nil {
		log.Error().Err(err).Msg("worker: fetch input failed")
		return p.fail(ctx, id, redesign.Failure{Message: MsgInputMissing, Details: err.Error()})
	}
	defer os.Remove(inputPath)

	done := metrics.JobStarted()
	start := time.Now()
	res, err := p.runner.Run(ctx, jobrunner.Request{
		JobID:     rec.ID,
		InputPath: inputPath,
		Prompt:    rec.Params.Prompt,
		Style:     rec.Params.Style,
		RoomType:  rec.Params.RoomType,
		Steps:     p.steps(rec),
	})
	elapsed := time.Since(start)
	if err != nil {
		kind := jobrunner.KindOf(err)
		done(string(kind), elapsed)
		if kind == jobrunner.KindConfig {
			// The job never ran; the record stays PROCESSING until an operator
			// fixes the setup and resumes it.
			log.Error().Err(err).Msg("worker: inference worker is not configured")
			return err
		}
		return p.failJob(ctx, rec, err, elapsed)
	}
	if res.OutputPath != "" {
		defer os.Remove(res.OutputPath)
	}

	outputKey, err := p.storeOutput(ctx, rec.ID, res.OutputPath)
	if err != nil {
		done("output_not_saved", elapsed)
		log.Error().Err(err).Str("output", res.OutputPath).Msg("worker: store output failed")
		return p.failAndNotify(ctx, rec, redesign.Failure{
			Message:          MsgOutputNotSaved,
			Details:          err.Error(),
			ProcessingTimeMs: res.ProcessingTime.Milliseconds(),
		})
	}

	completion := redesign.Completion{
		OutputArtifactRef: outputKey,
		ProcessingTimeMs:  res.ProcessingTime.Milliseconds(),
		Model:             res.Model,
		InferenceSteps:    res.InferenceSteps,
		Width:             res.Width,
		Height:            res.Height,
		CompletedAt:       p.now().UTC(),
	}
	writeCtx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.repo.MarkCompleted(writeCtx, rec.ID, completion); err != nil {
		done("record_update_failed", elapsed)
		return fmt.Errorf("mark completed %s: %w", rec.ID, err)
	}
	done("completed", elapsed)
	log.Info().
		Str("output_ref", outputKey).
		Int64("processing_time_ms", completion.ProcessingTimeMs).
		Str("model", completion.Model).
		Msg("worker: redesign completed")

	link := p.magicLink(rec.VerificationToken)
	err = p.notifier.RedesignReady(writeCtx, rec.Email, link, rec.TokenExpiry.Sub(p.now()).Round(time.Hour))
	metrics.Notification("ready", err)
	if err != nil {
		log.Error().Err(err).Msg("worker: ready notification failed")
	}
	return nil
}

// failJob records a job failure. Only the safe summary becomes the record's
// error message; diagnostics go to the details column and the log.
func (p *Processor) failJob(ctx context.Context, rec *redesign.Record, jobErr error, elapsed time.Duration) error {
	var jerr *jobrunner.Error
	ev := p.logger.Error().Str("redesign_id", rec.ID).Str("kind", string(jobrunner.KindOf(jobErr)))
	if errors.As(jobErr, &jerr) && jerr.ExitCode != 0 {
		ev = ev.Int("exit_code", jerr.ExitCode)
	}
	ev.Str("diagnostics", tail(jobrunner.DiagnosticsOf(jobErr), 2048)).Msg("worker: generation failed")

	details := jobErr.Error()
	if diag := jobrunner.DiagnosticsOf(jobErr); diag != "" && diag != details {
		details += "\n" + diag
	}
	return p.failAndNotify(ctx, rec, redesign.Failure{
		Message:          jobrunner.SummaryOf(jobErr),
		Details:          details,
		ProcessingTimeMs: elapsed.Milliseconds(),
	})
}

func (p *Processor) failAndNotify(ctx context.Context, rec *redesign.Record, f redesign.Failure) error {
	if err := p.fail(ctx, rec.ID, f); err != nil {
		return err
	}
	writeCtx, cancel := outcomeContext(ctx)
	defer cancel()
	err := p.notifier.RedesignFailed(writeCtx, rec.Email)
	metrics.Notification("failed", err)
	if err != nil {
		p.logger.Error().Err(err).Str("redesign_id", rec.ID).Msg("worker: failure notification failed")
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, id string, f redesign.Failure) error {
	writeCtx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.repo.MarkFailed(writeCtx, id, f); err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	p.logger.Info().Str("redesign_id", id).Str("error_message", f.Message).Msg("worker: redesign failed")
	return nil
}

// fetchInput copies the uploaded photo to InputDir/<id>_original<ext>.
func (p *Processor) fetchInput(ctx context.Context, rec *redesign.Record) (string, error) {
	if rec.InputArtifactRef == "" {
		return "", errors.New("record has no input artifact")
	}
	src, err := p.store.Open(ctx, rec.InputArtifactRef)
	if err != nil {
		return "", fmt.Errorf("open input %s: %w", rec.InputArtifactRef, err)
	}
	defer src.Close()

	ext := filepath.Ext(rec.InputArtifactRef)
	if ext == "" {
		ext = ".jpg"
	}
	dst := filepath.Join(p.opts.InputDir, rec.ID+"_original"+ext)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy input: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close input file: %w", err)
	}
	return dst, nil
}

// storeOutput uploads the worker's output file and returns its artifact key.
func (p *Processor) storeOutput(ctx context.Context, id, path string) (string, error) {
	if err := p.checkOutputPath(path); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return "", errors.New("output file is empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		ext = ".png"
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := redesign.OutputKey(id, ext)
	if err := p.store.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return "", fmt.Errorf("upload output: %w", err)
	}
	return key, nil
}

func (p *Processor) checkOutputPath(path string) error {
	if p.opts.OutputDir == "" {
		return nil
	}
	dir, err := filepath.Abs(p.opts.OutputDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output %s is outside %s", path, dir)
	}
	return nil
}

func (p *Processor) steps(rec *redesign.Record) int {
	if rec.Params.Steps > 0 && rec.Params.Steps <= redesign.MaxSteps {
		return rec.Params.Steps
	}
	return p.opts.Steps
}

func (p *Processor) magicLink(token string) string {
	return p.opts.ViewURL + "?token=" + url.QueryEscape(token)
}

// outcomeContext keeps outcome writes alive after the job context ended, so a
// timed-out or cancelled job still leaves its record in a terminal state.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
