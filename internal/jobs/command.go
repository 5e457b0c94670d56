// Package jobs holds the job types foreman ships with.
package jobs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"github.com/livinlefevreloca/foreman/internal/job"
)

const (
	CommandType = "command"
	SleepType   = "sleep"
)

// outputLimit caps how much process output is kept for the failure message.
const outputLimit = 4096

// Command runs an external process. The command line is split the way a
// shell would split it but is not interpreted by a shell.
type Command struct {
	job.Base
	CommandLine    string   `json:"command"`
	Dir            string   `json:"dir,omitempty"`
	Env            []string `json:"env,omitempty"`
	MaxRetries     int      `json:"retries,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

func (c *Command) Name() string { return c.CommandLine }

func (c *Command) Retries() int { return c.MaxRetries }

// Timeout is TimeoutSeconds, the default when unset, and unlimited when
// negative.
func (c *Command) Timeout() time.Duration {
	switch {
	case c.TimeoutSeconds > 0:
		return time.Duration(c.TimeoutSeconds) * time.Second
	case c.TimeoutSeconds < 0:
		return 0
	default:
		return job.DefaultTimeout
	}
}

// Execute runs the process and kills it when ctx is canceled.
func (c *Command) Execute(ctx context.Context) error {
	args, err := shellquote.Split(c.CommandLine)
	if err != nil {
		return errors.Wrapf(err, "parse command %q", c.CommandLine)
	}
	if len(args) == 0 {
		return errors.New("command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "command %q stopped", args[0])
		}
		return errors.Wrapf(err, "command %q failed: %s", args[0], tail(output.String()))
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputLimit {
		s = "..." + s[len(s)-outputLimit:]
	}
	return s
}

// Sleep waits for a number of seconds. Useful to exercise a deployment.
type Sleep struct {
	job.Base
	Seconds float64 `json:"seconds"`
}

func (s *Sleep) Name() string {
	return "sleep " + s.duration().String()
}

func (s *Sleep) Execute(ctx context.Context) error {
	timer := time.NewTimer(s.duration())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sleep) duration() time.Duration {
	return time.Duration(s.Seconds * float64(time.Second))
}

// Register adds the built-in job types to reg.
func Register(reg *job.Registry) error {
	if err := reg.Register(CommandType, func() job.Job { return &Command{} }); err != nil {
		return err
	}
	return reg.Register(SleepType, func() job.Job { return &Sleep{} })
}
