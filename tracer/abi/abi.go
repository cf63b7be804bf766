// Package abi holds the binary contract shared between the kernel probe set
// and the userspace reassembler. The layouts here mirror bpf/interface.h
// field for field; the two must be kept in sync.
package abi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/proctrace/proctrace/shared/api"
)

// Event types on the ring. The values are part of the wire contract.
const (
	TypeSysEnter uint32 = iota
	TypeSysExit
	TypeString
	TypeFD
	TypePathSegment
	TypePath
	TypeExit
	TypeFork
)

// Constants fixed in the wire contract.
const (
	// PathMax bounds filename and path reads from the kernel.
	PathMax = 4096

	// PathSegmentMax bounds a single path component.
	PathSegmentMax = 256

	// FstypeNameMax bounds a filesystem type name.
	FstypeNameMax = 256

	// ArgMax is the kernel limit for argc + argv + envp (getconf ARG_MAX).
	ArgMax = 2097152

	// ArgcMax is the verifier-admissible iteration ceiling for argv and
	// envp: ceil(ArgMax / 9), each pointer taking 8 bytes and each string
	// at least one NUL byte.
	ArgcMax = 233017

	// BitsPerLong is the width of the fd bitmap words.
	BitsPerLong = 64

	// OCloexec is the close-on-exec open flag.
	OCloexec = 0o2000000

	// AtFdcwd is the synthetic fd id used for the cwd path group.
	AtFdcwd = -100

	// TaskCommLen is the length of the kernel task comm field.
	TaskCommLen = 16

	// HeaderSize is the encoded size of Header.
	HeaderSize = 24
)

// Sentinel is the placeholder emitted by the probe when a kernel string
// could not be read.
const Sentinel = "[proctrace: unknown]"

// Header starts every record on the ring.
type Header struct {
	// PID is the kernel-view thread-group id the record belongs to.
	PID int32

	// Flags carries per-record advisory flags.
	Flags api.Flags

	// EID correlates the record with its logical exec event.
	EID uint64

	// ID is a locally meaningful index: argv/envp ordinal for strings, fd
	// emission order for fd records, path_id for path records.
	ID uint32

	// Type discriminates the payload.
	Type uint32
}

// SysExitBody is the bulk commit record, emitted once per eid at syscall
// exit. Its arrival tells the reassembler that no further sub-events will
// reference the eid.
type SysExitBody struct {
	Timestamp     uint64
	TGID          int32
	PPID          int32
	UID           uint32
	GID           uint32
	Count         [2]uint32 // argc, envc
	FdCount       uint32
	PathCount     uint32
	Ret           int64
	ExecveatFd    int32
	ExecveatFlags uint32
	IsExecveat    uint8
	IsCompat      uint8
	Comm          [TaskCommLen]byte
	Filename      [PathMax]byte
	_             [6]byte
}

// FDBody describes one open file descriptor. The cwd path group travels as
// an FDBody with FdNum set to AtFdcwd.
type FDBody struct {
	Inode      uint64
	FilePos    uint64
	FdNum      int32
	OpenFlags  uint32
	MntID      int32
	PathID     uint32
	FstypeName [FstypeNameMax]byte
}

// PathSegmentBody carries one path component. Segments are emitted
// leaf-first: index 0 is the file name and higher indices walk toward the
// mount-forest root.
type PathSegmentBody struct {
	Index   uint32
	Segment [PathSegmentMax]byte
	_       [4]byte
}

// PathBody terminates a path-segment group and asserts its size.
type PathBody struct {
	SegmentCount uint32
	_            [4]byte
}

// ForkBody describes a whole-process fork. The child tgid travels in the
// header PID field.
type ForkBody struct {
	ParentTGID int32
	_          [4]byte
}

// ExitBody describes a whole-process exit.
type ExitBody struct {
	ExitCode     uint32
	ExitSignal   uint32
	IsRootTracee uint8
	_            [7]byte
}

// Record is one decoded ring-buffer record. Exactly one payload field is
// set, matching Header.Type; String records keep their content in Data
// with the terminating NUL stripped.
type Record struct {
	Header Header

	SysExit     *SysExitBody
	Data        []byte
	FD          *FDBody
	PathSegment *PathSegmentBody
	Path        *PathBody
	Exit        *ExitBody
	Fork        *ForkBody
}

// Decode parses one raw ring-buffer record. Multi-byte integers are native
// endian; the probe and the reassembler live on the same host.
func Decode(raw []byte) (*Record, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("Record too short for header: %d bytes", len(raw))
	}

	rec := &Record{}
	reader := bytes.NewReader(raw)
	err := binary.Read(reader, binary.NativeEndian, &rec.Header)
	if err != nil {
		return nil, fmt.Errorf("Failed decoding record header: %w", err)
	}

	body := raw[HeaderSize:]
	switch rec.Header.Type {
	case TypeSysExit:
		rec.SysExit = &SysExitBody{}
		err = decodeBody(body, rec.SysExit)
	case TypeString:
		// Copy out of the ring-buffer sample, which the reader may reuse.
		rec.Data = append([]byte(nil), bytes.TrimSuffix(body, []byte{0})...)
	case TypeFD:
		rec.FD = &FDBody{}
		err = decodeBody(body, rec.FD)
	case TypePathSegment:
		rec.PathSegment = &PathSegmentBody{}
		err = decodeBody(body, rec.PathSegment)
	case TypePath:
		rec.Path = &PathBody{}
		err = decodeBody(body, rec.Path)
	case TypeExit:
		rec.Exit = &ExitBody{}
		err = decodeBody(body, rec.Exit)
	case TypeFork:
		rec.Fork = &ForkBody{}
		err = decodeBody(body, rec.Fork)
	case TypeSysEnter:
		// The sysenter type only ever marks the in-kernel staging slot
		// and carries no payload on the ring.
	default:
		return nil, fmt.Errorf("Unknown record type: %d", rec.Header.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("Failed decoding record type %d: %w", rec.Header.Type, err)
	}

	return rec, nil
}

func decodeBody(body []byte, out any) error {
	size := binary.Size(out)
	if len(body) < size {
		return fmt.Errorf("Body too short: %d bytes, need %d", len(body), size)
	}

	return binary.Read(bytes.NewReader(body[:size]), binary.NativeEndian, out)
}

// CString returns the content of a NUL-terminated byte array.
func CString(b []byte) string {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return string(b)
	}

	return string(b[:idx])
}

// ProbeConfig is the const configuration struct consumed by the probe at
// load time. It mirrors struct probe_config in bpf/interface.h.
type ProbeConfig struct {
	// MaxNumCpus sizes the per-CPU staging array.
	MaxNumCpus uint32

	// NoFile is the upper bound for fd-table scans.
	NoFile uint32

	// FollowFork selects closure filtering instead of tracing everything.
	FollowFork uint32

	// TraceePid is the root tracee's pid in its own pid namespace.
	TraceePid int32

	// TraceePidnsInum is the inode number of that pid namespace.
	TraceePidnsInum uint32
}
