package spawn

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shtrace/shtrace/internal/session"
	"github.com/shtrace/shtrace/internal/wire"
)

func TestSubstituteFDs(t *testing.T) {
	out := substituteFDs(shimSource)
	assert.NotContains(t, out, tokenEventFD)
	assert.NotContains(t, out, tokenCommandFD)
	assert.Contains(t, out, "_shtrace_wr=3")
	assert.Contains(t, out, "_shtrace_rd=4")
}

func TestPrepareShimWritesTempFile(t *testing.T) {
	path, err := prepareShim("")
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), tokenEventFD)
	assert.Contains(t, string(data), `trap '_shtrace_hook' DEBUG`)
}

func TestPrepareShimCustomWrapper(t *testing.T) {
	wrapper := filepath.Join(t.TempDir(), "wrapper.sh")
	require.NoError(t, os.WriteFile(wrapper,
		[]byte("echo __SHTRACE_WR__ __SHTRACE_RD__\n"), 0o644))

	path, err := prepareShim(wrapper)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "echo 3 4\n", string(data))
}

func TestValidateScript(t *testing.T) {
	script := filepath.Join(t.TempDir(), "ok.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo hi\n"), 0o644))

	abs, err := validateScript(script)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	_, err = validateScript(filepath.Join(t.TempDir(), "missing.sh"))
	assert.Error(t, err)

	_, err = validateScript(t.TempDir())
	assert.Error(t, err)
}

type collectingSink struct {
	events chan wire.LineEvent
	ended  chan error
}

func (c *collectingSink) LineEvent(ev wire.LineEvent) { c.events <- ev }
func (c *collectingSink) StateChanged(session.Mode)   {}
func (c *collectingSink) SessionEnded(err error)      { c.ended <- err }

// TestTraceRoundTrip runs a real bash under the shim and lets the session
// auto-advance it to completion.
func TestTraceRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	script := filepath.Join(t.TempDir(), "demo.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"x=1\ny=$((x + 1))\necho \"sum $y\"\n",
	), 0o644))

	target, err := Start(script, nil, Options{})
	require.NoError(t, err)
	defer target.Close()

	// Drain script output so the child never blocks on a full pipe.
	outc := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(target.Stdout)
		outc <- string(data)
	}()
	go func() { _, _ = io.ReadAll(target.Stderr) }()

	sink := &collectingSink{
		events: make(chan wire.LineEvent, 64),
		ended:  make(chan error, 1),
	}
	sess := session.New(target.Events, target.Commands, sink, session.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	// Stdout reaches EOF when the script exits; reap afterwards so the
	// output pipe is fully drained first.
	var out string
	select {
	case out = <-outc:
	case <-ctx.Done():
		t.Fatal("script did not finish")
	}

	code, err := target.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("session did not finish")
	}

	var statements []string
	close(sink.events)
	for ev := range sink.events {
		statements = append(statements, ev.Statement)
		assert.Equal(t, 0, ev.Depth)
	}
	assert.GreaterOrEqual(t, len(statements), 3)
	assert.Contains(t, strings.Join(statements, "\n"), "x=1")

	assert.Contains(t, out, "sum 2")
}
