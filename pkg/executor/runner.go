package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Command is an external command invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// NewCommand builds a Command from an argv slice.
func NewCommand(argv ...string) Command {
	if len(argv) == 0 {
		return Command{}
	}
	return Command{Name: argv[0], Args: append([]string(nil), argv[1:]...)}
}

// Expand returns a copy of c with every "{name}" placeholder in the name and
// arguments replaced by vars[name].
func (c Command) Expand(vars map[string]string) Command {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := c
	out.Name = r.Replace(c.Name)
	out.Args = make([]string, len(c.Args))
	for i, a := range c.Args {
		out.Args[i] = r.Replace(a)
	}
	return out
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is what a single run of a command produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// StartErr is set when the command could not be started (e.g. not found).
	StartErr error
}

// Runner runs a command exactly once.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec. Each command runs in its own
// process group so that cancelling ctx kills the whole tree.
type ExecRunner struct{}

// Run executes cmd. The returned error is non-nil only if ctx was cancelled
// while the command was running.
func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{ExitCode: -1, StartErr: errors.New("empty command")}, nil
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// Set process group so we can kill the entire process tree on cancellation
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, StartErr: fmt.Errorf("failed to start %s: %w", c.Name, err)}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		// Kill the process group (negative PID)
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Result{
			ExitCode: InterruptedExitCode,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
		}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.StartErr = err
		}
	}
	return res, nil
}
