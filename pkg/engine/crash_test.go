//go:build linux

package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/models"
	"github.com/psantana5/airbag/pkg/signals"
	"github.com/psantana5/airbag/pkg/spool"
)

// crashSpoolEnv tells a re-executed test binary to fault for real, writing
// to the spool it names.
const crashSpoolEnv = "AIRBAG_TEST_CRASH_SPOOL"

var crashTarget *struct{ v [8]int }

func crashForReal(path string) {
	cfg, err := NewBuilder().Signals(signals.SEGV).Output("file:" + path).Build()
	if err != nil {
		os.Exit(3)
	}
	eng := New(
		WithLogger(logging.Discard()),
		WithMetadata(&models.Process{PID: os.Getpid(), Hostname: "crash-host"}),
	)
	if _, err := eng.Register(cfg); err != nil {
		os.Exit(4)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		crashTarget.v[3] = 1
	}()
	<-done
	os.Exit(5)
}

func TestRealSegfaultReachesSpool(t *testing.T) {
	if path := os.Getenv(crashSpoolEnv); path != "" {
		crashForReal(path)
		return
	}

	path := filepath.Join(t.TempDir(), "crash"+spool.Ext)
	cmd := exec.Command(os.Args[0], "-test.run=^TestRealSegfaultReachesSpool$")
	cmd.Env = append(os.Environ(), crashSpoolEnv+"="+path, "GOTRACEBACK=single")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "child output:\n%s", out)
	assert.Equal(t, 2, exitErr.ExitCode(), "the runtime ends an unrecovered fault with status 2")
	assert.Contains(t, string(out), "SIGSEGV")

	f, err := spool.Read(path)
	require.NoError(t, err)
	assert.True(t, f.Crashed)
	require.Len(t, f.Segments, 1)
	require.NotNil(t, f.Segments[0].Process)
	assert.Equal(t, "crash-host", f.Segments[0].Process.Hostname)

	recs := f.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "SIGSEGV", rec.Signal)
	assert.Contains(t, rec.Flags, "runtime")
	assert.True(t, rec.Partial)
	assert.Equal(t, f.Segments[0].Process.PID, rec.PID)
	assert.Equal(t, uint64(3*8), rec.FaultAddr)
	assert.NotZero(t, rec.IP)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Contains(t, rec.Dump, "goroutine ")
	assert.Contains(t, rec.Dump, "crashForReal")

	reports := f.Reports()
	require.Len(t, reports, 1)
	assert.NoError(t, reports[0].Validate())
}
