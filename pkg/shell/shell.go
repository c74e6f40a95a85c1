// Package shell runs shell command lines for host components, streaming
// their output line by line to caller supplied sinks.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"klipper-go-flasher/pkg/log"
)

// DefaultTimeout bounds commands run without an explicit timeout.
const DefaultTimeout = 2 * time.Minute

// maxCapture limits how much output a CommandError keeps.
const maxCapture = 64 * 1024

// LineFunc receives one line of output without its trailing newline.
type LineFunc func(line string)

// Options controls a single command invocation.
type Options struct {
	// Dir is the working directory; empty means the host's cwd.
	Dir string

	// Env entries (KEY=VALUE) are appended to the host environment.
	Env []string

	// Timeout kills the command once exceeded. Zero uses the runner default.
	Timeout time.Duration

	// Stdout and Stderr receive output incrementally. They are never
	// invoked concurrently with each other.
	Stdout LineFunc
	Stderr LineFunc
}

// CommandError is returned when a command exits non-zero, times out or
// cannot be started. Stderr holds the captured error output.
type CommandError struct {
	Cmd        string
	ReturnCode int
	Stdout     string
	Stderr     string
	TimedOut   bool
	Err        error
}

func (e *CommandError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("command '%s' timed out", e.Cmd)
	case e.ReturnCode >= 0:
		return fmt.Sprintf("command '%s' exited with status %d", e.Cmd, e.ReturnCode)
	default:
		return fmt.Sprintf("command '%s' failed: %v", e.Cmd, e.Err)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner executes command lines through a shell.
type Runner struct {
	// Shell is the interpreter invoked as "<Shell> -c <cmd>".
	Shell string

	// Timeout is used when Options.Timeout is zero.
	Timeout time.Duration

	logger *log.Logger
}

// NewRunner creates a runner using bash.
func NewRunner() *Runner {
	return &Runner{
		Shell:   "bash",
		Timeout: DefaultTimeout,
		logger:  log.GetLogger("shell_command"),
	}
}

// Run executes cmd and blocks until it exits, its timeout expires or ctx
// is cancelled. On timeout the command's whole process group is killed.
func (r *Runner) Run(ctx context.Context, cmd string, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}
	proc := exec.CommandContext(ctx, shell, "-c", cmd)
	proc.Dir = opts.Dir
	if len(opts.Env) > 0 {
		proc.Env = append(os.Environ(), opts.Env...)
	}
	setProcessGroup(proc)
	proc.Cancel = func() error {
		return killProcessGroup(proc)
	}
	// Grandchildren holding the pipes open must not stall Wait forever.
	proc.WaitDelay = 2 * time.Second

	var sinkMu sync.Mutex
	stdout := newLineWriter(&sinkMu, opts.Stdout)
	stderr := newLineWriter(&sinkMu, opts.Stderr)
	proc.Stdout = stdout
	proc.Stderr = stderr

	logger := r.logger
	if logger == nil {
		logger = log.GetLogger("shell_command")
	}
	logger.Debug("Running command: %s", cmd)
	start := time.Now()
	err := proc.Run()
	stdout.flush()
	stderr.flush()

	if err == nil {
		logger.Debug("Command finished in %.2fs: %s", time.Since(start).Seconds(), cmd)
		return nil
	}

	cerr := &CommandError{
		Cmd:        cmd,
		ReturnCode: -1,
		Stdout:     stdout.captured(),
		Stderr:     stderr.captured(),
		Err:        err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ReturnCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cerr.TimedOut = true
		cerr.ReturnCode = -1
	}
	logger.WithFields(log.Fields{
		"return_code": cerr.ReturnCode,
		"timed_out":   cerr.TimedOut,
	}).Error("%v\n%s", cerr, cerr.Stderr)
	return cerr
}

// lineWriter splits a byte stream into lines for a LineFunc.
type lineWriter struct {
	mu      *sync.Mutex
	sink    LineFunc
	partial []byte
	buf     bytes.Buffer
}

func newLineWriter(mu *sync.Mutex, sink LineFunc) *lineWriter {
	return &lineWriter{mu: mu, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < maxCapture {
		w.buf.Write(p)
	}
	if w.sink == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(w.partial[:idx]))
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) emit(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink(strings.TrimRight(line, "\r"))
}

func (w *lineWriter) flush() {
	if w.sink != nil && len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) captured() string {
	return strings.TrimRight(w.buf.String(), "\n")
}
