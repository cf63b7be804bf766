package tracer

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/proctrace/proctrace/tracer/reassembler"
)

const (
	// DefaultProbeObjectPath is where the compiled probe object is
	// installed by the packaging.
	DefaultProbeObjectPath = "/usr/lib/proctrace/proctrace.bpf.o"

	// DefaultRingBufferSize fits a burst of 64 concurrent execs of up to
	// 2MiB of argv/envp each, plus fd and path overhead.
	DefaultRingBufferSize = 256 * 1024 * 1024

	// DefaultPollTimeout bounds a single blocking ring-buffer read.
	DefaultPollTimeout = time.Second

	// DefaultNoFile is the upper bound for fd-table scans.
	DefaultNoFile = 2147483584
)

// Config configures a trace session.
type Config struct {
	// ProbeObjectPath is the path of the compiled probe object.
	ProbeObjectPath string

	// RingBufferSize is the size in bytes of the ring buffer shared with
	// the probe. Rounded up to the next power of two.
	RingBufferSize int64

	// PollTimeout bounds a single blocking ring-buffer read.
	PollTimeout time.Duration

	// CommitTimeout is how long a committed event may wait for straggler
	// sub-events before being force-completed.
	CommitTimeout time.Duration

	// FollowFork restricts tracing to the root tracee and its
	// descendants instead of every process on the host.
	FollowFork bool

	// TraceePID is the root tracee's pid in its own pid namespace.
	TraceePID int32

	// TraceePIDNSInum is the inode number of that pid namespace.
	TraceePIDNSInum uint32

	// TraceeHostPID is the root tracee's pid as seen by the tracer.
	// When set, the session falls back to polling /proc for the tracee
	// to cover the window where a fork fails before the child can exec
	// and no exit record is ever produced.
	TraceeHostPID int

	// MaxCPUs sizes the probe's per-CPU staging array. Defaults to the
	// number of CPUs of the host.
	MaxCPUs uint32

	// NoFile is the upper bound for fd-table scans.
	NoFile uint32
}

// Validate fills in defaults and checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ProbeObjectPath == "" {
		c.ProbeObjectPath = DefaultProbeObjectPath
	}

	if c.RingBufferSize == 0 {
		c.RingBufferSize = DefaultRingBufferSize
	}

	if c.RingBufferSize < int64(os.Getpagesize()) {
		return fmt.Errorf("Ring buffer size is below the page size: %d", c.RingBufferSize)
	}

	if c.RingBufferSize > 1<<31 {
		return fmt.Errorf("Ring buffer size is too large: %d", c.RingBufferSize)
	}

	c.RingBufferSize = roundUpPowerOfTwo(c.RingBufferSize)

	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}

	if c.CommitTimeout == 0 {
		c.CommitTimeout = reassembler.DefaultCommitTimeout
	}

	if c.MaxCPUs == 0 {
		c.MaxCPUs = uint32(runtime.NumCPU())
	}

	if c.NoFile == 0 {
		c.NoFile = DefaultNoFile
	}

	if c.FollowFork {
		if c.TraceePID <= 0 {
			return fmt.Errorf("Follow-fork tracing requires a root tracee pid")
		}

		if c.TraceePIDNSInum == 0 {
			return fmt.Errorf("Follow-fork tracing requires the root tracee's pid namespace inode")
		}
	}

	return nil
}

func roundUpPowerOfTwo(n int64) int64 {
	result := int64(1)
	for result < n {
		result <<= 1
	}

	return result
}

// ResolveTracee determines the identity of a process as the probe needs
// it: its pid in its own (deepest) pid namespace and the inode number of
// that namespace.
func ResolveTracee(pid int) (int32, uint32, error) {
	var stat unix.Stat_t
	err := unix.Stat(fmt.Sprintf("/proc/%d/ns/pid", pid), &stat)
	if err != nil {
		return 0, 0, fmt.Errorf("Failed to stat pid namespace of %d: %w", pid, err)
	}

	nsPid, err := namespacePid(pid)
	if err != nil {
		return 0, 0, err
	}

	return nsPid, uint32(stat.Ino), nil
}

// namespacePid reads the NSpid line of /proc/<pid>/status and returns the
// last entry, the process's pid in its own namespace.
func namespacePid(pid int) (int32, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, fmt.Errorf("Failed to read status of %d: %w", pid, err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		value, ok := strings.CutPrefix(line, "NSpid:")
		if !ok {
			continue
		}

		fields := strings.Fields(value)
		if len(fields) == 0 {
			break
		}

		nsPid, err := strconv.ParseInt(fields[len(fields)-1], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("Failed to parse NSpid of %d: %w", pid, err)
		}

		return int32(nsPid), nil
	}

	// Kernels without NSpid run a single pid namespace.
	return int32(pid), nil
}
