package tracer

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	require.Equal(t, DefaultProbeObjectPath, cfg.ProbeObjectPath)
	require.Equal(t, int64(DefaultRingBufferSize), cfg.RingBufferSize)
	require.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	require.Equal(t, 5*time.Second, cfg.CommitTimeout)
	require.Equal(t, uint32(DefaultNoFile), cfg.NoFile)
	require.NotZero(t, cfg.MaxCPUs)
}

func TestConfig_ValidateRingSize(t *testing.T) {
	cfg := Config{RingBufferSize: 5 * 1024 * 1024}
	require.NoError(t, cfg.Validate())

	// Rounded up to the next power of two.
	require.Equal(t, int64(8*1024*1024), cfg.RingBufferSize)

	cfg = Config{RingBufferSize: 12}
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateFollowFork(t *testing.T) {
	cfg := Config{FollowFork: true}
	require.Error(t, cfg.Validate())

	cfg = Config{FollowFork: true, TraceePID: 1234}
	require.Error(t, cfg.Validate())

	cfg = Config{FollowFork: true, TraceePID: 1234, TraceePIDNSInum: 4026531836}
	require.NoError(t, cfg.Validate())
}

func TestResolveTracee(t *testing.T) {
	pid, inum, err := ResolveTracee(os.Getpid())
	require.NoError(t, err)
	require.NotZero(t, pid)
	require.NotZero(t, inum)
}

func TestNamespacePid(t *testing.T) {
	nsPid, err := namespacePid(os.Getpid())
	require.NoError(t, err)
	require.NotZero(t, nsPid)
}
