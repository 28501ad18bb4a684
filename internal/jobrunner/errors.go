package jobrunner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies why a job did not produce a result.
type Kind string

const (
	// KindConfig means the worker entry point could not be resolved. The job
	// never started, so this is not a worker failure.
	KindConfig Kind = "config"
	// KindTimeout means the job ran past its deadline and was killed.
	KindTimeout Kind = "timeout"
	// KindWorkerFailed means the worker exited abnormally or reported an error.
	KindWorkerFailed Kind = "worker_failed"
	// KindMalformedResult means the worker claimed success but its payload
	// could not be read.
	KindMalformedResult Kind = "malformed_result"
	// KindCanceled means the caller's context ended before the job finished.
	KindCanceled Kind = "canceled"
)

// ErrEntryPointMissing is wrapped by KindConfig errors from ProcessWorker.
var ErrEntryPointMissing = errors.New("inference worker entry point not found")

// Error is returned by Runner.Run for every unsuccessful job.
type Error struct {
	Kind     Kind
	JobID    string
	Message  string
	ExitCode int
	// Diagnostics holds captured stderr or the raw payload. It is meant for
	// logs and operators, not for end users.
	Diagnostics string
	Timeout     time.Duration
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %s", e.JobID, e.Kind)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Summary is a short description that is safe to store on the record and show
// to the person who submitted the job.
func (e *Error) Summary() string {
	switch e.Kind {
	case KindTimeout:
		if e.Timeout > 0 {
			return "Generation exceeded the allotted time of " + humanDuration(e.Timeout) + "."
		}
		return "Generation exceeded the allotted time."
	case KindMalformedResult:
		return "The image generator returned an unreadable result."
	case KindCanceled:
		return "Generation was interrupted before it finished."
	case KindConfig:
		return "Image generation is not available right now."
	default:
		return "The image generator failed to produce a redesign."
	}
}

// KindOf reports the Kind of err. Errors that did not come from the runner
// count as worker failures.
func KindOf(err error) Kind {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	return KindWorkerFailed
}

// SummaryOf returns the user-safe summary for any error.
func SummaryOf(err error) string {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.Summary()
	}
	return (&Error{Kind: KindWorkerFailed}).Summary()
}

// DiagnosticsOf returns the operator diagnostics for err.
func DiagnosticsOf(err error) string {
	var jerr *Error
	if errors.As(err, &jerr) {
		if jerr.Diagnostics != "" {
			return jerr.Diagnostics
		}
		return jerr.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func humanDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	case d%time.Second == 0:
		return plural(int(d/time.Second), "second")
	}
	return d.String()
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
