//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesOutput(t *testing.T) {
	t.Parallel()

	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err", res.StderrTail(5))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	require.NoError(t, err, "a non-zero exit is reported through the result")
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "boom", res.StderrTail(1))
}

func TestExecRunner_ArgumentsAreNotShellInterpolated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, "pwned")

	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Name: "echo",
		Args: []string{"name; touch " + marker},
	})
	require.NoError(t, err)
	assert.Equal(t, "name; touch "+marker+"\n", string(res.Stdout))

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "metacharacters must not reach a shell")
}

func TestExecRunner_Timeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	r := NewExecRunner()
	start := time.Now()
	// The background child shares the process group and must die with it.
	_, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30 & echo $! > " + pidFile + "; wait"},
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimedOut), "err = %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)

	data, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)
	pid := strings.TrimSpace(string(data))
	require.NotEmpty(t, pid)

	assert.Eventually(t, func() bool {
		return processGone(pid)
	}, 5*time.Second, 50*time.Millisecond, "child process %s should be killed", pid)
}

func TestExecRunner_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewExecRunner()
	_, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimedOut))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	t.Parallel()

	r := NewExecRunner()
	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to run")
}

func TestExecRunner_Env(t *testing.T) {
	t.Parallel()

	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf %s \"$YARD_TEST_VALUE\""},
		Env:  []string{"YARD_TEST_VALUE=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Stdout))
}

func TestExecRunner_Stdin(t *testing.T) {
	t.Parallel()

	r := NewExecRunner()
	res, err := r.Run(context.Background(), Command{
		Name:  "cat",
		Stdin: []byte("line one\nline two\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(res.Stdout))
}

func TestTail(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		max      int
		expected string
	}{
		{"empty", "", 3, ""},
		{"fewer lines", "a\nb\n", 3, "a\nb"},
		{"truncated", "a\nb\nc\nd\n", 2, "c\nd"},
		{"zero max", "a\nb", 0, "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Tail(tt.in, tt.max))
		})
	}
}

func TestFakeRunner_RecordsCalls(t *testing.T) {
	f := &FakeRunner{}
	_, err := f.Run(context.Background(), Command{Name: "git", Args: []string{"status"}})
	require.NoError(t, err)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "git status", calls[0].String())
}

// processGone reports whether pid no longer exists or is a zombie waiting
// to be reaped by init.
func processGone(pid string) bool {
	stat, err := os.ReadFile(filepath.Join("/proc", pid, "stat"))
	if err != nil {
		return os.IsNotExist(err)
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}
