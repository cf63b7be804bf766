package tracer_test

import (
	"errors"
	"os"
	os_exec "os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proctrace/proctrace/shared/api"
	"github.com/proctrace/proctrace/tracer"
)

// Returns the path of a compiled probe object, or skips the test. The
// object is not checked into the tree; build it with make in tracer/bpf.
func probeObject(t *testing.T) string {
	t.Helper()

	path := os.Getenv("PROCTRACE_TEST_PROBE")
	if path == "" {
		path = "bpf/proctrace.bpf.o"
	}

	_, err := os.Stat(path)
	if err != nil {
		t.Skipf("Probe object %q not available: %v.", path, err)
	}

	return path
}

// This test must be run as root and the host has to be capable of running
// BPF programs.
func TestRootTraceSession(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Tests for the trace session can only be run as root.")
	}

	probe := probeObject(t)

	cfg := tracer.Config{
		ProbeObjectPath: probe,
		FollowFork:      true,
		TraceeHostPID:   os.Getpid(),
		PollTimeout:     250 * time.Millisecond,
	}

	var err error
	cfg.TraceePID, cfg.TraceePIDNSInum, err = tracer.ResolveTracee(os.Getpid())
	require.NoError(t, err)

	session, err := tracer.Open(cfg)
	if err != nil {
		t.Skipf("Trace session can not be run on this host: %v.", err)
	}

	defer func() { _ = session.Close() }()

	// Execute a known command; the test process is the root tracee, so
	// its children are in the closure.
	wantArgv := []string{"/bin/echo", "hi", "there"}
	go func() {
		for i := 0; i < 5; i++ {
			_ = os_exec.Command(wantArgv[0], wantArgv[1:]...).Run()
			time.Sleep(25 * time.Millisecond)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := session.Next()
		if err != nil {
			if errors.Is(err, tracer.ErrTimeout) {
				continue
			}

			if errors.Is(err, tracer.ErrShutdown) {
				break
			}

			require.NoError(t, err)
		}

		if ev.Kind != api.EventKindExec {
			continue
		}

		if ev.Exec.Filename != wantArgv[0] {
			continue
		}

		require.Equal(t, wantArgv, ev.Exec.Argv)
		require.Equal(t, int64(0), ev.Exec.Ret)
		require.NotEmpty(t, ev.Exec.Cwd)

		// The standard descriptors are inherited.
		fds := map[int32]bool{}
		for _, fd := range ev.Exec.Fds {
			fds[fd.Fd] = true
		}

		require.True(t, fds[0] && fds[1] && fds[2])
		return
	}

	t.Fatal("Timed out waiting for an exec event.")
}
