package api

import (
	"strings"
)

// Flags is the advisory flag bitset attached to events and to individual
// records. The bit assignments are part of the kernel/user wire contract
// and must not be reordered.
type Flags uint32

const (
	// FlagError is set when an otherwise uncategorized error occurred.
	FlagError Flags = 1 << iota

	// FlagTooManyItems is set when a bounded iteration ran out of loops
	// before reading every item.
	FlagTooManyItems

	// FlagCommReadFailure is set when the task comm could not be read.
	FlagCommReadFailure

	// FlagPossibleTruncation is set when a userspace string filled its
	// bounded buffer.
	FlagPossibleTruncation

	// FlagPtrReadFailure is set when a userspace pointer could not be read.
	FlagPtrReadFailure

	// FlagNoRoom is set when an item did not fit into the staging buffer.
	FlagNoRoom

	// FlagStrReadFailure is set when a userspace string could not be read.
	FlagStrReadFailure

	// FlagFdsProbeFailure is set when the fd-table walk failed.
	FlagFdsProbeFailure

	// FlagOutputFailure is set when a ring-buffer submission failed.
	FlagOutputFailure

	// FlagFlagsReadFailure is set when a file's flags could not be read.
	FlagFlagsReadFailure

	// FlagUserspaceDropMarker is set by the reassembler when sub-events of
	// the record were lost or it was force-completed.
	FlagUserspaceDropMarker

	// FlagBailOut is set when the probe abandoned the record early.
	FlagBailOut

	// FlagLoopFail is set when a path walk exhausted its iteration bound.
	FlagLoopFail

	// FlagPathReadErr is set when a path component could not be read.
	FlagPathReadErr

	// FlagInoReadErr is set when an inode number could not be read.
	FlagInoReadErr

	// FlagMntIDReadErr is set when a mount id could not be read.
	FlagMntIDReadErr

	// FlagFilenameReadErr is set when the exec filename could not be read.
	FlagFilenameReadErr

	// FlagPosReadErr is set when a file position could not be read.
	FlagPosReadErr
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagError, "error"},
	{FlagTooManyItems, "too-many-items"},
	{FlagCommReadFailure, "comm-read-failure"},
	{FlagPossibleTruncation, "possible-truncation"},
	{FlagPtrReadFailure, "ptr-read-failure"},
	{FlagNoRoom, "no-room"},
	{FlagStrReadFailure, "str-read-failure"},
	{FlagFdsProbeFailure, "fds-probe-failure"},
	{FlagOutputFailure, "output-failure"},
	{FlagFlagsReadFailure, "flags-read-failure"},
	{FlagUserspaceDropMarker, "userspace-drop"},
	{FlagBailOut, "bail-out"},
	{FlagLoopFail, "loop-fail"},
	{FlagPathReadErr, "path-read-error"},
	{FlagInoReadErr, "inode-read-error"},
	{FlagMntIDReadErr, "mount-id-read-error"},
	{FlagFilenameReadErr, "filename-read-error"},
	{FlagPosReadErr, "pos-read-error"},
}

// Has returns true if all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// String returns a comma-separated list of the set flag names.
func (f Flags) String() string {
	if f == 0 {
		return ""
	}

	names := []string{}
	for _, entry := range flagNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}

	return strings.Join(names, ",")
}
