//go:build windows

package runner

import "os/exec"

// configureProcessGroup keeps the default exec.CommandContext behavior,
// which kills the process on cancellation.
func configureProcessGroup(cmd *exec.Cmd) {}
