package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/jobrunner"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
	"github.com/dharsanguruparan/RoomRedesign/internal/repository"
	"github.com/dharsanguruparan/RoomRedesign/internal/signing"
	"github.com/dharsanguruparan/RoomRedesign/internal/storage"
)

type runnerFunc func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error)

func (f runnerFunc) Run(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu     sync.Mutex
	ready  []string
	failed []string
}

func (n *recordingNotifier) RedesignReady(ctx context.Context, email, magicLink string, validFor time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = append(n.ready, magicLink)
	return nil
}

func (n *recordingNotifier) RedesignFailed(ctx context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, email)
	return nil
}

type harness struct {
	repo      *repository.Memory
	store     *storage.FileStore
	notifier  *recordingNotifier
	inputDir  string
	outputDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080", signing.NewSigner([]byte("k")))
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		repo:      repository.NewMemory(),
		store:     store,
		notifier:  &recordingNotifier{},
		inputDir:  t.TempDir(),
		outputDir: t.TempDir(),
	}
}

func (h *harness) processor(runner JobRunner) *Processor {
	return NewProcessor(h.repo, h.store, runner, h.notifier, Options{
		InputDir:  h.inputDir,
		OutputDir: h.outputDir,
		Steps:     4,
		ViewURL:   "https://example.test/room-redesign/view",
	}, zerolog.Nop())
}

// submit stores an input photo and an UPLOADING record for it.
func (h *harness) submit(t *testing.T) *redesign.Record {
	t.Helper()
	rec, err := redesign.NewRecord("owner@example.test", redesign.Params{
		Style:    "modern",
		RoomType: "living_room",
		Prompt:   "bright and airy",
		Model:    redesign.DefaultModel,
		Steps:    4,
	}, time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec.InputArtifactRef = redesign.InputKey(rec.ID, ".jpg")
	photo := "jpeg bytes"
	if err := h.store.Put(context.Background(), rec.InputArtifactRef, strings.NewReader(photo), int64(len(photo)), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	if err := h.repo.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) reload(t *testing.T, id string) *redesign.Record {
	t.Helper()
	rec, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) successRunner(t *testing.T) runnerFunc {
	return func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		if _, err := os.Stat(req.InputPath); err != nil {
			t.Errorf("input not staged: %v", err)
		}
		if filepath.Base(req.InputPath) != req.JobID+"_original.jpg" {
			t.Errorf("input path = %s", req.InputPath)
		}
		out := filepath.Join(h.outputDir, req.JobID+"_generated.png")
		if err := os.WriteFile(out, []byte("png bytes"), 0o600); err != nil {
			return nil, err
		}
		return &jobrunner.Result{
			OutputPath:     out,
			ProcessingTime: 4200 * time.Millisecond,
			InferenceSteps: 4,
			Model:          "flux-schnell",
			Width:          1024,
			Height:         1024,
		}, nil
	}
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)

	var stagedInput string
	success := h.successRunner(t)
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		stagedInput = req.InputPath
		if req.Style != "modern" || req.RoomType != "living_room" || req.Steps != 4 {
			t.Errorf("request = %+v", req)
		}
		return success(ctx, req)
	})
	if err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	stored := h.reload(t, rec.ID)
	if stored.Status != redesign.StatusCompleted {
		t.Fatalf("status = %s", stored.Status)
	}
	if stored.OutputArtifactRef == nil || *stored.OutputArtifactRef != redesign.OutputKey(rec.ID, ".png") {
		t.Fatalf("output ref = %v", stored.OutputArtifactRef)
	}
	if *stored.ProcessingTimeMs != 4200 || stored.Params.Model != "flux-schnell" {
		t.Fatalf("completion = %d %s", *stored.ProcessingTimeMs, stored.Params.Model)
	}

	rc, err := h.store.Open(context.Background(), *stored.OutputArtifactRef)
	if err != nil {
		t.Fatalf("output not stored: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "png bytes" {
		t.Fatalf("stored output = %q", body)
	}

	if _, err := os.Stat(stagedInput); !os.IsNotExist(err) {
		t.Fatalf("staged input not removed: %v", err)
	}
	if len(h.notifier.ready) != 1 || !strings.HasSuffix(h.notifier.ready[0], "?token="+rec.VerificationToken) {
		t.Fatalf("ready notifications = %v", h.notifier.ready)
	}
}

func TestProcessJobFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		details string
	}{
		{
			name:    "timeout",
			err:     &jobrunner.Error{Kind: jobrunner.KindTimeout, Timeout: 10 * time.Minute, Err: context.DeadlineExceeded},
			message: "Generation exceeded the allotted time of 10 minutes.",
		},
		{
			name:    "worker failed",
			err:     &jobrunner.Error{Kind: jobrunner.KindWorkerFailed, ExitCode: 1, Diagnostics: "Traceback: CUDA out of memory"},
			message: "The image generator failed to produce a redesign.",
			details: "CUDA out of memory",
		},
		{
			name:    "malformed result",
			err:     &jobrunner.Error{Kind: jobrunner.KindMalformedResult, Diagnostics: "<<garbage>>"},
			message: "The image generator returned an unreadable result.",
			details: "<<garbage>>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.submit(t)
			runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
				return nil, tt.err
			})
			if err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
				t.Fatalf("Process: %v", err)
			}
			stored := h.reload(t, rec.ID)
			if stored.Status != redesign.StatusFailed {
				t.Fatalf("status = %s", stored.Status)
			}
			if stored.ErrorMessage == nil || *stored.ErrorMessage != tt.message {
				t.Fatalf("error message = %v", stored.ErrorMessage)
			}
			if tt.details != "" && (stored.ErrorDetails == nil || !strings.Contains(*stored.ErrorDetails, tt.details)) {
				t.Fatalf("error details = %v", stored.ErrorDetails)
			}
			if stored.OutputArtifactRef != nil {
				t.Fatal("failed record has an output")
			}
			if len(h.notifier.failed) != 1 {
				t.Fatalf("failed notifications = %v", h.notifier.failed)
			}
		})
	}
}

func TestProcessConfigErrorLeavesRecordProcessing(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		return nil, &jobrunner.Error{Kind: jobrunner.KindConfig, Err: jobrunner.ErrEntryPointMissing}
	})
	err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID})
	if !errors.Is(err, jobrunner.ErrEntryPointMissing) {
		t.Fatalf("err = %v", err)
	}
	if got := h.reload(t, rec.ID).Status; got != redesign.StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", got)
	}

	// Once the setup is fixed an operator resumes the job.
	if err := h.processor(h.successRunner(t)).Resume(context.Background(), rec.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.reload(t, rec.ID).Status; got != redesign.StatusCompleted {
		t.Fatalf("status after resume = %s", got)
	}
}

func TestProcessRedeliveryFailsInterruptedRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	if err := h.repo.MarkProcessing(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		t.Error("job ran twice")
		return nil, nil
	})
	if err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored := h.reload(t, rec.ID)
	if stored.Status != redesign.StatusFailed || *stored.ErrorMessage != MsgInterrupted {
		t.Fatalf("record = %s %v", stored.Status, stored.ErrorMessage)
	}
}

func TestProcessSkipsFinishedRecords(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	p := h.processor(h.successRunner(t))
	if err := p.Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if got := h.reload(t, rec.ID).Status; got != redesign.StatusCompleted {
		t.Fatalf("status = %s", got)
	}
}

func TestProcessRejectsOutputOutsideOutputDir(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	elsewhere := filepath.Join(t.TempDir(), "stolen.png")
	if err := os.WriteFile(elsewhere, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		return &jobrunner.Result{OutputPath: elsewhere, ProcessingTime: time.Second}, nil
	})
	if err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored := h.reload(t, rec.ID)
	if stored.Status != redesign.StatusFailed || *stored.ErrorMessage != MsgOutputNotSaved {
		t.Fatalf("record = %s %v", stored.Status, stored.ErrorMessage)
	}
}

func TestProcessMissingInput(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	if err := os.RemoveAll(filepath.Join(h.store.BasePath(), "inputs")); err != nil {
		t.Fatal(err)
	}
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		t.Error("job ran without input")
		return nil, nil
	})
	if err := h.processor(runner).Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored := h.reload(t, rec.ID)
	if stored.Status != redesign.StatusFailed || *stored.ErrorMessage != MsgInputMissing {
		t.Fatalf("record = %s %v", stored.Status, stored.ErrorMessage)
	}
}

// cancelAwareRepo fails writes made with a finished context, as a database
// driver would.
type cancelAwareRepo struct {
	*repository.Memory
}

func (r cancelAwareRepo) GetByID(ctx context.Context, id string) (*redesign.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Memory.GetByID(ctx, id)
}

func (r cancelAwareRepo) MarkProcessing(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.MarkProcessing(ctx, id)
}

func (r cancelAwareRepo) MarkFailed(ctx context.Context, id string, f redesign.Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.MarkFailed(ctx, id, f)
}

func TestAbandonFailsQueuedRecordAfterShutdown(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	runner := runnerFunc(func(ctx context.Context, req jobrunner.Request) (*jobrunner.Result, error) {
		t.Error("abandoned job ran")
		return nil, nil
	})
	p := NewProcessor(cancelAwareRepo{h.repo}, h.store, runner, h.notifier, Options{
		InputDir:  h.inputDir,
		OutputDir: h.outputDir,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Abandon(ctx, queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	stored := h.reload(t, rec.ID)
	if stored.Status != redesign.StatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if stored.ErrorMessage == nil || *stored.ErrorMessage != MsgNotQueued {
		t.Fatalf("error message = %v", stored.ErrorMessage)
	}
	if len(h.notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(h.notifier.failed))
	}
}

func TestAbandonLeavesFinishedRecordAlone(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t)
	p := h.processor(h.successRunner(t))
	if err := p.Process(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatal(err)
	}
	if err := p.Abandon(context.Background(), queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if got := h.reload(t, rec.ID).Status; got != redesign.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	if len(h.notifier.failed) != 0 {
		t.Fatalf("unexpected failure notification")
	}
}
