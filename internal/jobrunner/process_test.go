//go:build unix

package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// writeScript writes an executable shell script standing in for the
// inference worker.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func processRunner(script string, timeout time.Duration) *Runner {
	worker := &ProcessWorker{Command: "/bin/sh", Script: script, Logger: zerolog.Nop(), WaitDelay: time.Second}
	return NewRunner(worker, timeout, zerolog.Nop())
}

func TestProcessWorkerSuccess(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := writeScript(t, `
printf '%s|' "$@" > `+argsFile+`
echo "loading pipeline"
echo '{"success": true, "output_path": "/out/job-1_generated.png", "processing_time": 3.2, "inference_steps": 4, "image_size": {"width": 1024, "height": 1024}}'
`)
	res, err := processRunner(script, 10*time.Second).Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OutputPath != "/out/job-1_generated.png" {
		t.Fatalf("output = %q", res.OutputPath)
	}
	if res.ProcessingTime != 3200*time.Millisecond {
		t.Fatalf("processing time = %s", res.ProcessingTime)
	}
	if res.Width != 1024 || res.InferenceSteps != 4 {
		t.Fatalf("unexpected result %+v", res)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	want := "/tmp/job-1_original.jpg|warm lighting|modern|living_room|job-1|4|"
	if string(raw) != want {
		t.Fatalf("args = %q, want %q", raw, want)
	}
}

func TestProcessWorkerInvalidJSON(t *testing.T) {
	script := writeScript(t, "echo 'not json at all'\n")
	_, err := processRunner(script, 10*time.Second).Run(context.Background(), testRequest())
	if KindOf(err) != KindMalformedResult {
		t.Fatalf("kind = %s, want malformed_result (err %v)", KindOf(err), err)
	}
	if !strings.Contains(DiagnosticsOf(err), "not json at all") {
		t.Fatalf("diagnostics = %q", DiagnosticsOf(err))
	}
}

func TestProcessWorkerNonZeroExit(t *testing.T) {
	script := writeScript(t, "echo 'RuntimeError: model weights missing' >&2\nexit 3\n")
	_, err := processRunner(script, 10*time.Second).Run(context.Background(), testRequest())
	var jerr *Error
	if !errors.As(err, &jerr) {
		t.Fatalf("err = %v", err)
	}
	if jerr.Kind != KindWorkerFailed || jerr.ExitCode != 3 {
		t.Fatalf("kind = %s exit = %d", jerr.Kind, jerr.ExitCode)
	}
	if !strings.Contains(jerr.Diagnostics, "model weights missing") {
		t.Fatalf("diagnostics = %q", jerr.Diagnostics)
	}
}

func TestProcessWorkerReportedFailure(t *testing.T) {
	script := writeScript(t, `echo '{"success": false, "error": "prompt rejected"}'`+"\n")
	_, err := processRunner(script, 10*time.Second).Run(context.Background(), testRequest())
	if KindOf(err) != KindWorkerFailed {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if !strings.Contains(err.Error(), "prompt rejected") {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessWorkerTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, "sleep 30\necho '{\"success\": true, \"outputPath\": \"/late.png\"}'\n")
	start := time.Now()
	res, err := processRunner(script, 300*time.Millisecond).Run(context.Background(), testRequest())
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %s, want timeout (err %v)", KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s; process was not killed", elapsed)
	}
}

func TestProcessWorkerTimeoutKillsSpawnedChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, "sleep 30 &\necho $! > "+pidFile+"\nwait\n")
	_, err := processRunner(script, 300*time.Millisecond).Run(context.Background(), testRequest())
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %s, want timeout (err %v)", KindOf(err), err)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse child pid %q: %v", raw, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("child %d still running after timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// processGone reports whether pid has exited. A zombie waiting to be reaped
// by init counts as exited.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	if _, err := os.Stat("/proc/self"); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 {
		return false
	}
	fields := strings.Fields(string(stat[i+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestProcessWorkerMissingScript(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.py")
	_, err := processRunner(missing, time.Second).Run(context.Background(), testRequest())
	if KindOf(err) != KindConfig {
		t.Fatalf("kind = %s, want config", KindOf(err))
	}
	if !errors.Is(err, ErrEntryPointMissing) {
		t.Fatalf("err = %v, want ErrEntryPointMissing", err)
	}
}

func TestCaptureKeepsTail(t *testing.T) {
	c := newCapture(zerolog.Nop(), "stderr", 8, true)
	_, _ = c.Write([]byte("0123456789\nabc"))
	if got := c.String(); got != "6789\nabc" {
		t.Fatalf("tail = %q", got)
	}
}

func TestCaptureKeepsHead(t *testing.T) {
	c := newCapture(zerolog.Nop(), "stdout", 4, false)
	_, _ = c.Write([]byte("abcdef"))
	_, _ = c.Write([]byte("gh"))
	if got := c.String(); got != "abcd" {
		t.Fatalf("head = %q", got)
	}
}
