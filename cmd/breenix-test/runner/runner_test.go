package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAssertMarkerFindsSubstring(t *testing.T) {
	r := &KernelRun{Stdout: []byte("boot...\n" + Markers.PFOK + "\nshutdown\n")}
	require.NoError(t, r.AssertMarker(Markers.PFOK))
	require.Error(t, r.AssertMarker(Markers.UDOK))
}

func TestCountAndAssertCount(t *testing.T) {
	r := &KernelRun{Stdout: []byte("PASS\nPASS\nFAIL\nPASS\n")}
	require.Equal(t, 3, r.CountPattern("PASS"))
	require.NoError(t, r.AssertCount("PASS", 3))
	require.Error(t, r.AssertCount("PASS", 2))
	require.NoError(t, r.AssertCount("FAIL", 1))
}

func TestStdoutStrAndStderrStr(t *testing.T) {
	r := &KernelRun{Stdout: []byte("out"), Stderr: []byte("err")}
	require.Equal(t, "out", r.StdoutStr())
	require.Equal(t, "err", r.StderrStr())
}

func TestRunRequiresKernelBin(t *testing.T) {
	_, err := Run(Config{})
	require.Error(t, err)
}

func TestRunSucceedsWithStubRunner(t *testing.T) {
	run, err := Run(Config{
		KernelBin: "fake-kernel.img",
		Runner:    "true",
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, run.TimedOut)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	_, err := Run(Config{
		KernelBin: "fake-kernel.img",
		Runner:    "false",
		Timeout:   2 * time.Second,
	})
	require.Error(t, err)
}

func TestRunReportsTimeout(t *testing.T) {
	run, err := Run(Config{
		KernelBin: "fake-kernel.img",
		Runner:    "sleep",
		Args:      []string{"5"},
		Timeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, run.TimedOut)
}
