package reassembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proctrace/proctrace/shared/api"
	"github.com/proctrace/proctrace/tracer/abi"
)

func commitRecord(eid uint64, pid int32, argc uint32, envc uint32, fdCount uint32, ret int64) *abi.Record {
	body := &abi.SysExitBody{
		TGID:    pid,
		PPID:    1,
		UID:     1000,
		GID:     1000,
		Count:   [2]uint32{argc, envc},
		FdCount: fdCount,
		Ret:     ret,
	}

	copy(body.Comm[:], "sh")
	copy(body.Filename[:], "/bin/echo")

	return &abi.Record{
		Header:  abi.Header{PID: pid, EID: eid, Type: abi.TypeSysExit},
		SysExit: body,
	}
}

func stringRecord(eid uint64, pid int32, id uint32, content string) *abi.Record {
	return &abi.Record{
		Header: abi.Header{PID: pid, EID: eid, ID: id, Type: abi.TypeString},
		Data:   []byte(content),
	}
}

func fdRecord(eid uint64, pid int32, id uint32, fdNum int32, pathID uint32, openFlags uint32) *abi.Record {
	body := &abi.FDBody{
		FdNum:     fdNum,
		OpenFlags: openFlags,
		MntID:     22,
		Inode:     1234,
		PathID:    pathID,
	}

	copy(body.FstypeName[:], "ext4")

	return &abi.Record{
		Header: abi.Header{PID: pid, EID: eid, ID: id, Type: abi.TypeFD},
		FD:     body,
	}
}

func segmentRecord(eid uint64, pid int32, pathID uint32, index uint32, name string) *abi.Record {
	body := &abi.PathSegmentBody{Index: index}
	copy(body.Segment[:], name)

	return &abi.Record{
		Header:      abi.Header{PID: pid, EID: eid, ID: pathID, Type: abi.TypePathSegment},
		PathSegment: body,
	}
}

func pathRecord(eid uint64, pid int32, pathID uint32, count uint32) *abi.Record {
	return &abi.Record{
		Header: abi.Header{PID: pid, EID: eid, ID: pathID, Type: abi.TypePath},
		Path:   &abi.PathBody{SegmentCount: count},
	}
}

func forkRecord(eid uint64, child int32, parent int32) *abi.Record {
	return &abi.Record{
		Header: abi.Header{PID: child, EID: eid, Type: abi.TypeFork},
		Fork:   &abi.ForkBody{ParentTGID: parent},
	}
}

func exitRecord(eid uint64, pid int32, code uint32, root bool) *abi.Record {
	body := &abi.ExitBody{ExitCode: code}
	if root {
		body.IsRootTracee = 1
	}

	return &abi.Record{
		Header: abi.Header{PID: pid, EID: eid, Type: abi.TypeExit},
		Exit:   body,
	}
}

func ingest(t *testing.T, r *Reassembler, records ...*abi.Record) {
	t.Helper()

	for _, rec := range records {
		require.NoError(t, r.Ingest(rec))
	}
}

// Feeds one complete event with its records arriving in an adversarial
// order: commit first, strings reversed, path group before its fd record.
func TestReassembler_ArbitraryOrder(t *testing.T) {
	r := New(0)

	ingest(t, r,
		commitRecord(7, 100, 2, 1, 2, 0),
		stringRecord(7, 100, 2, "HOME=/root"),
		segmentRecord(7, 100, 0, 0, "null"),
		segmentRecord(7, 100, 0, 1, "dev"),
		pathRecord(7, 100, 0, 2),
		fdRecord(7, 100, 0, 0, 0, 0),
		stringRecord(7, 100, 1, "hi"),
	)

	// Still missing the cwd fd record and argv[0].
	require.Nil(t, r.Pop())

	ingest(t, r,
		stringRecord(7, 100, 0, "/bin/echo"),
		fdRecord(7, 100, 1, abi.AtFdcwd, 1, 0),
		segmentRecord(7, 100, 1, 0, "root"),
		pathRecord(7, 100, 1, 1),
	)

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, api.EventKindExec, ev.Kind)
	require.Equal(t, uint64(7), ev.EID)

	exec := ev.Exec
	require.Equal(t, int32(100), exec.PID)
	require.Equal(t, "sh", exec.Comm)
	require.Equal(t, "/bin/echo", exec.Filename)
	require.Equal(t, []string{"/bin/echo", "hi"}, exec.Argv)
	require.Equal(t, []string{"HOME=/root"}, exec.Envp)
	require.Equal(t, int64(0), exec.Ret)
	require.Equal(t, api.Flags(0), exec.Flags)

	// The cwd group is lifted out of the fd set.
	require.Equal(t, "/root", exec.Cwd)
	require.Len(t, exec.Fds, 1)
	require.Equal(t, int32(0), exec.Fds[0].Fd)
	require.Equal(t, "/dev/null", exec.Fds[0].Path)
	require.Equal(t, "ext4", exec.Fds[0].Fstype)

	// Nothing else is pending.
	require.Nil(t, r.Pop())
	require.Equal(t, 0, r.Pending())
}

// Path segments are emitted leaf-first; the absolute path is the reverse
// concatenation with a leading slash.
func TestReassembler_PathReversal(t *testing.T) {
	r := New(0)

	ingest(t, r,
		commitRecord(1, 10, 0, 0, 1, 0),
		fdRecord(1, 10, 0, 7, 0, abi.OCloexec),
		segmentRecord(1, 10, 0, 0, "x"),
		segmentRecord(1, 10, 0, 1, "tmp"),
		pathRecord(1, 10, 0, 2),
	)

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Len(t, ev.Exec.Fds, 1)
	require.Equal(t, "/tmp/x", ev.Exec.Fds[0].Path)
	require.Equal(t, uint32(abi.OCloexec), ev.Exec.Fds[0].Flags&abi.OCloexec)
}

// A path group with zero segments resolves to the filesystem root.
func TestReassembler_RootPath(t *testing.T) {
	r := New(0)

	ingest(t, r,
		commitRecord(1, 10, 0, 0, 1, 0),
		fdRecord(1, 10, 0, abi.AtFdcwd, 0, 0),
		pathRecord(1, 10, 0, 0),
	)

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, "/", ev.Exec.Cwd)
}

// Events are handed out in ascending eid order even when a later eid
// completes first.
func TestReassembler_EIDOrdering(t *testing.T) {
	r := New(0)

	ingest(t, r,
		stringRecord(3, 10, 0, "/bin/true"),
		commitRecord(4, 20, 0, 0, 0, 0),
	)

	// eid 4 is complete but eid 3 is still in flight.
	require.Nil(t, r.Pop())

	ingest(t, r, commitRecord(3, 10, 1, 0, 0, 0))

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, uint64(3), ev.EID)

	ev = r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, uint64(4), ev.EID)
}

// Fork records carry parentage and sort before any later exec of the
// child, exactly as their eids dictate.
func TestReassembler_ForkBeforeChildExec(t *testing.T) {
	r := New(0)

	ingest(t, r,
		commitRecord(11, 200, 0, 0, 0, 0),
		forkRecord(10, 200, 100),
	)

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, api.EventKindFork, ev.Kind)
	require.Equal(t, int32(200), ev.Fork.ChildTGID)
	require.Equal(t, int32(100), ev.Fork.ParentTGID)

	ev = r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, api.EventKindExec, ev.Kind)
	require.Equal(t, uint64(11), ev.EID)
}

// A lost sub-event leaves a gap; the watchdog force-completes the event
// with the drop marker once the commit timeout has passed.
func TestReassembler_WatchdogForceCompletes(t *testing.T) {
	r := New(time.Second)

	now := time.Now()
	r.now = func() time.Time { return now }

	// argv[1] never arrives.
	ingest(t, r,
		commitRecord(5, 10, 2, 0, 0, 0),
		stringRecord(5, 10, 0, "/bin/echo"),
	)

	r.Sweep()
	require.Nil(t, r.Pop())

	now = now.Add(2 * time.Second)
	r.Sweep()

	ev := r.Pop()
	require.NotNil(t, ev)
	require.True(t, ev.Exec.Flags.Has(api.FlagUserspaceDropMarker))
	require.Equal(t, []string{"/bin/echo"}, ev.Exec.Argv)
	require.Equal(t, uint64(1), r.Stats().ForcedCompletions)
}

// A segment-count mismatch keeps the event incomplete; draining emits it
// with the drop marker and the collectable segments joined.
func TestReassembler_SegmentGap(t *testing.T) {
	r := New(0)

	ingest(t, r,
		commitRecord(2, 10, 0, 0, 1, 0),
		fdRecord(2, 10, 0, 3, 0, 0),
		segmentRecord(2, 10, 0, 0, "log"),
		segmentRecord(2, 10, 0, 2, "var"),
		pathRecord(2, 10, 0, 3),
	)

	require.Nil(t, r.Pop())

	r.Drain()

	ev := r.Pop()
	require.NotNil(t, ev)
	require.True(t, ev.Exec.Flags.Has(api.FlagUserspaceDropMarker))
	require.Equal(t, "/var/log", ev.Exec.Fds[0].Path)
	require.True(t, ev.Exec.Fds[0].RecordFlags.Has(api.FlagUserspaceDropMarker))
}

// The root tracee's exit flips the shutdown signal and a drain flushes
// whatever is still in flight.
func TestReassembler_RootExitDrain(t *testing.T) {
	r := New(0)

	ingest(t, r,
		stringRecord(20, 10, 0, "/bin/ls"),
		exitRecord(21, 10, 1, true),
	)

	require.True(t, r.RootExited())
	require.Equal(t, 1, r.Pending())

	r.Drain()
	require.Equal(t, 0, r.Pending())

	// The straggler exec (eid 20) comes out before the exit record.
	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, uint64(20), ev.EID)
	require.Equal(t, api.EventKindExec, ev.Kind)
	require.True(t, ev.Exec.Flags.Has(api.FlagUserspaceDropMarker))

	ev = r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, api.EventKindExit, ev.Kind)
	require.Equal(t, uint32(1), ev.Exit.Code)
	require.True(t, ev.Exit.RootTracee)
}

// A non-root exit does not shut the session down.
func TestReassembler_NonRootExit(t *testing.T) {
	r := New(0)

	ingest(t, r, exitRecord(30, 55, 0, false))

	require.False(t, r.RootExited())

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, api.EventKindExit, ev.Kind)
	require.False(t, ev.Exit.RootTracee)
}

// Records below the emission watermark are discarded rather than leaking
// an in-flight entry that can never be emitted in order.
func TestReassembler_StaleRecordIgnored(t *testing.T) {
	r := New(0)

	ingest(t, r, commitRecord(5, 10, 0, 0, 0, 0))
	require.NotNil(t, r.Pop())

	ingest(t, r, stringRecord(4, 10, 0, "stale"))
	require.Equal(t, 0, r.Pending())
	require.Nil(t, r.Pop())
}

// Gaps in the emitted eid sequence are counted as kernel losses.
func TestReassembler_EIDGapCounted(t *testing.T) {
	r := New(0)

	ingest(t, r, commitRecord(1, 10, 0, 0, 0, 0))
	require.NotNil(t, r.Pop())

	ingest(t, r, commitRecord(4, 10, 0, 0, 0, 0))
	require.NotNil(t, r.Pop())

	require.Equal(t, uint64(2), r.Stats().EventsLost)
}

// An exec from a non-leader thread keeps the entry-side tgid.
func TestReassembler_PreExecTGID(t *testing.T) {
	r := New(0)

	rec := commitRecord(1, 42, 0, 0, 0, 0)
	rec.SysExit.TGID = 42

	ingest(t, r, rec)

	ev := r.Pop()
	require.NotNil(t, ev)
	require.Equal(t, int32(42), ev.Exec.PID)
}
