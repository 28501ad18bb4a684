//go:build !unix

package jobrunner

import "os/exec"

// configureProcessGroup keeps exec's default cancellation, which kills the
// worker process itself.
func configureProcessGroup(cmd *exec.Cmd) {}
