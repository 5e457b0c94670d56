package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/foreman/internal/job"
)

func TestCommand_Succeeds(t *testing.T) {
	c := &Command{CommandLine: `sh -c 'echo "hello world"'`}
	assert.NoError(t, c.Execute(context.Background()))
}

func TestCommand_FailureIncludesOutput(t *testing.T) {
	c := &Command{CommandLine: `sh -c 'echo broken >&2; exit 3'`}
	err := c.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestCommand_Env(t *testing.T) {
	c := &Command{
		CommandLine: `sh -c 'test "$FOREMAN_TEST" = yes'`,
		Env:         []string{"FOREMAN_TEST=yes"},
	}
	assert.NoError(t, c.Execute(context.Background()))
}

func TestCommand_Dir(t *testing.T) {
	dir := t.TempDir()
	c := &Command{CommandLine: `sh -c 'test "$(pwd -P)" = "$(cd ` + dir + ` && pwd -P)"'`, Dir: dir}
	assert.NoError(t, c.Execute(context.Background()))
}

func TestCommand_KilledOnCancel(t *testing.T) {
	c := &Command{CommandLine: "sleep 30"}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Execute(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not killed")
	}
}

func TestCommand_BadCommandLine(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"unterminated quote", `echo 'oops`},
		{"missing binary", "definitely-not-a-real-binary-foreman"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Command{CommandLine: tt.line}
			assert.Error(t, c.Execute(context.Background()))
		})
	}
}

func TestCommand_Timeout(t *testing.T) {
	assert.Equal(t, job.DefaultTimeout, (&Command{}).Timeout())
	assert.Equal(t, 5*time.Second, (&Command{TimeoutSeconds: 5}).Timeout())
	assert.Equal(t, time.Duration(0), (&Command{TimeoutSeconds: -1}).Timeout())
	assert.Equal(t, 2, (&Command{MaxRetries: 2}).Retries())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("  short\n"))
	long := strings.Repeat("a", outputLimit) + "end"
	got := tail(long)
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, strings.HasSuffix(got, "end"))
	assert.Len(t, got, outputLimit+3)
}

func TestSleep(t *testing.T) {
	s := &Sleep{Seconds: 0.01}
	assert.Equal(t, "sleep 10ms", s.Name())
	assert.NoError(t, s.Execute(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	long := &Sleep{Seconds: 60}
	assert.ErrorIs(t, long.Execute(ctx), context.Canceled)
}

func TestRegister(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, Register(reg))
	assert.ElementsMatch(t, []string{CommandType, SleepType}, reg.Types())
	assert.Error(t, Register(reg), "types can only be registered once")

	rec, err := reg.CreateRecord(&Command{CommandLine: "echo hi", MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, CommandType, rec.JobType)
	assert.Equal(t, "echo hi", rec.Name)

	loaded, err := reg.Load(rec)
	require.NoError(t, err)
	cmd, ok := loaded.(*Command)
	require.True(t, ok)
	assert.Equal(t, "echo hi", cmd.CommandLine)
	assert.Equal(t, 1, cmd.Retries())
}
