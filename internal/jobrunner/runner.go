// Package jobrunner runs one image-generation job on the inference worker and
// turns whatever happens into a typed result or a typed failure. It never
// touches redesign records; applying the outcome is the caller's job.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the hard ceiling for a single job.
const DefaultTimeout = 10 * time.Minute

// Request is everything the worker needs for one job.
type Request struct {
	// JobID correlates logs and names the output artifact.
	JobID     string
	InputPath string
	Prompt    string
	Style     string
	RoomType  string
	Steps     int
}

// Args returns the positional arguments of the worker invocation contract.
func (r Request) Args() []string {
	return []string{r.InputPath, r.Prompt, r.Style, r.RoomType, r.JobID, strconv.Itoa(r.Steps)}
}

// Result describes a successful job.
type Result struct {
	OutputPath     string
	ProcessingTime time.Duration
	InferenceSteps int
	Model          string
	Width          int
	Height         int
}

// Worker performs the generation. ProcessWorker runs an external process; an
// in-process or remote implementation can be swapped in without changing
// Runner's callers.
type Worker interface {
	// CheckReady reports whether the worker can be invoked at all.
	CheckReady() error
	// Generate runs one job and returns the worker's payload. It must stop
	// and release every resource once ctx is done.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Runner enforces the timeout and classifies the worker's outcome. It holds no
// per-job state, so one Runner serves any number of concurrent jobs.
type Runner struct {
	worker  Worker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner builds a Runner. A non-positive timeout selects DefaultTimeout.
func NewRunner(worker Worker, timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		worker:  worker,
		timeout: timeout,
		logger:  logger.With().Str("component", "jobrunner").Logger(),
	}
}

// Timeout returns the per-job ceiling.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run executes req. On failure the error is always a *Error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.JobID == "" || req.InputPath == "" {
		return nil, &Error{Kind: KindConfig, JobID: req.JobID, Message: "job id and input path are required"}
	}
	if err := r.worker.CheckReady(); err != nil {
		return nil, &Error{Kind: KindConfig, JobID: req.JobID, Err: err}
	}

	log := r.logger.With().Str("job_id", req.JobID).Logger()
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	log.Info().Str("style", req.Style).Str("room_type", req.RoomType).Int("steps", req.Steps).Msg("jobrunner: job started")
	resp, err := r.worker.Generate(runCtx, req)
	elapsed := time.Since(start)

	// Once the deadline has fired nothing the worker produced is trusted,
	// even a payload that raced the kill.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Dur("elapsed", elapsed).Dur("timeout", r.timeout).Msg("jobrunner: job timed out")
		return nil, &Error{
			Kind:        KindTimeout,
			JobID:       req.JobID,
			Message:     fmt.Sprintf("exceeded %s", r.timeout),
			Timeout:     r.timeout,
			Diagnostics: DiagnosticsOf(err),
			Err:         context.DeadlineExceeded,
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn().Err(ctxErr).Msg("jobrunner: job canceled")
		return nil, &Error{Kind: KindCanceled, JobID: req.JobID, Err: ctxErr}
	}

	if err != nil {
		var jerr *Error
		if !errors.As(err, &jerr) {
			jerr = &Error{Kind: KindWorkerFailed, Err: err}
		}
		jerr.JobID = req.JobID
		log.Error().Err(jerr).Str("kind", string(jerr.Kind)).Dur("elapsed", elapsed).Msg("jobrunner: job failed")
		return nil, jerr
	}

	res, err := interpret(req.JobID, resp, elapsed)
	if err != nil {
		log.Error().Err(err).Str("kind", string(KindOf(err))).Dur("elapsed", elapsed).Msg("jobrunner: job failed")
		return nil, err
	}
	log.Info().
		Str("output", res.OutputPath).
		Str("model", res.Model).
		Dur("processing_time", res.ProcessingTime).
		Msg("jobrunner: job succeeded")
	return res, nil
}

// interpret maps a decoded worker payload onto a Result or a failure.
func interpret(jobID string, resp *Response, elapsed time.Duration) (*Result, error) {
	if resp == nil {
		return nil, &Error{Kind: KindMalformedResult, JobID: jobID, Message: "worker returned no payload"}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure without an error message"
		}
		return nil, &Error{Kind: KindWorkerFailed, JobID: jobID, Message: msg, Diagnostics: msg}
	}
	if resp.OutputPath == "" {
		return nil, &Error{Kind: KindMalformedResult, JobID: jobID, Message: "success payload has no output path"}
	}
	processing := time.Duration(resp.ProcessingTimeMs) * time.Millisecond
	if processing <= 0 {
		processing = elapsed
	}
	return &Result{
		OutputPath:     resp.OutputPath,
		ProcessingTime: processing,
		InferenceSteps: resp.InferenceSteps,
		Model:          resp.Model,
		Width:          resp.Width,
		Height:         resp.Height,
	}, nil
}
