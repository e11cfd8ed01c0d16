// Package spawn launches a shell script under the instrumentation shim.
// The channel pair is created here, before the script runs, and inherited
// by the child as fixed descriptors; any execution context the script
// forks inherits the same two descriptors, which is what lets nested
// contexts report on the one event channel.
package spawn

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

//go:embed shim.sh
var shimSource string

// Descriptor numbers the shim tokens are bound to. ExtraFiles entry i
// becomes descriptor 3+i in the child.
const (
	eventWriteFD   = 3
	commandReadFD  = 4
	tokenEventFD   = "__SHTRACE_WR__"
	tokenCommandFD = "__SHTRACE_RD__"
)

// Options configures the launch.
type Options struct {
	// Shell is the interpreter binary; "bash" when empty.
	Shell string
	// Wrapper overrides the embedded shim with a file of the operator's
	// own, preprocessed the same way.
	Wrapper string
	// InheritStdio passes the tracer's own stdio straight through
	// instead of piping script output back for presentation.
	InheritStdio bool
}

// Target is one traced process plus the controller ends of its channels.
type Target struct {
	Script string

	// Events is the controller end of the event channel (shim writes).
	Events io.ReadCloser
	// Commands is the controller end of the command channel (shim reads).
	Commands io.WriteCloser

	// Script stdio, nil when Options.InheritStdio was set.
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Stdin  io.WriteCloser

	cmd      *exec.Cmd
	shimPath string
}

// validateScript resolves and checks the traced script before anything is
// handed to the shell.
func validateScript(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid script path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("script %q not accessible: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("script %q is not a regular file", abs)
	}
	return abs, nil
}

// prepareShim substitutes the descriptor tokens into the shim text and
// writes the result to a temp file the shell can source.
func prepareShim(wrapper string) (string, error) {
	text := shimSource
	if wrapper != "" {
		data, err := os.ReadFile(wrapper)
		if err != nil {
			return "", fmt.Errorf("failed to read wrapper: %w", err)
		}
		text = string(data)
	}
	text = substituteFDs(text)

	f, err := os.CreateTemp("", "shtrace-shim-*.sh")
	if err != nil {
		return "", fmt.Errorf("failed to create shim temp file: %w", err)
	}
	if _, err := io.WriteString(f, text); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write shim: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close shim: %w", err)
	}
	return f.Name(), nil
}

func substituteFDs(text string) string {
	text = strings.ReplaceAll(text, tokenEventFD, strconv.Itoa(eventWriteFD))
	return strings.ReplaceAll(text, tokenCommandFD, strconv.Itoa(commandReadFD))
}

// Start launches script under the shim and returns before its first
// statement runs; the returned Target's channels are live and the session
// controller should attach immediately.
func Start(script string, args []string, opts Options) (*Target, error) {
	scriptPath, err := validateScript(script)
	if err != nil {
		return nil, err
	}

	shell := opts.Shell
	if shell == "" {
		shell = "bash"
	}

	shimPath, err := prepareShim(opts.Wrapper)
	if err != nil {
		return nil, err
	}

	evR, evW, err := os.Pipe()
	if err != nil {
		_ = os.Remove(shimPath)
		return nil, fmt.Errorf("failed to create event channel: %w", err)
	}
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		_ = os.Remove(shimPath)
		_ = evR.Close()
		_ = evW.Close()
		return nil, fmt.Errorf("failed to create command channel: %w", err)
	}

	// Sourcing the shim from -c keeps $0 pointing at the script, so a
	// script inspecting its own path behaves as if run directly.
	argv := append([]string{"-c", "source " + shimPath, scriptPath}, args...)
	cmd := exec.Command(shell, argv...)
	cmd.ExtraFiles = []*os.File{evW, cmdR}
	cmd.SysProcAttr = sysProcAttr()

	t := &Target{
		Script:   scriptPath,
		Events:   evR,
		Commands: cmdW,
		cmd:      cmd,
		shimPath: shimPath,
	}

	if opts.InheritStdio {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		if t.Stdin, err = cmd.StdinPipe(); err == nil {
			if t.Stdout, err = cmd.StdoutPipe(); err == nil {
				t.Stderr, err = cmd.StderrPipe()
			}
		}
		if err != nil {
			t.cleanup()
			_ = evW.Close()
			_ = cmdR.Close()
			return nil, fmt.Errorf("failed to pipe script stdio: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		t.cleanup()
		_ = evW.Close()
		_ = cmdR.Close()
		return nil, fmt.Errorf("failed to start %s: %w", shell, err)
	}

	// Child owns its copies now.
	_ = evW.Close()
	_ = cmdR.Close()

	return t, nil
}

// PID returns the traced process id, or 0 before Start succeeded.
func (t *Target) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Wait blocks until the traced process exits and returns its exit code.
func (t *Target) Wait() (int, error) {
	defer t.cleanup()
	if err := t.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait: %w", err)
	}
	return 0, nil
}

// Terminate asks the traced process to exit.
func (t *Target) Terminate() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Signal(os.Interrupt)
}

// Close releases the controller's channel ends. Closing the command
// channel is the detach signal: the shim fails open and the script runs
// on normally.
func (t *Target) Close() error {
	err := t.Commands.Close()
	if e := t.Events.Close(); err == nil {
		err = e
	}
	if t.Stdin != nil {
		_ = t.Stdin.Close()
	}
	return err
}

func (t *Target) cleanup() {
	if t.shimPath != "" {
		_ = os.Remove(t.shimPath)
		t.shimPath = ""
	}
}
