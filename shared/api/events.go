package api

// EventKind is the kind of a trace event.
type EventKind string

const (
	// EventKindExec is an assembled exec event.
	EventKindExec EventKind = "exec"

	// EventKindFork is a whole-process fork notification.
	EventKindFork EventKind = "fork"

	// EventKindExit is a whole-process exit notification.
	EventKindExit EventKind = "exit"
)

// Event is a single record delivered to the consumer. Exactly one of Exec,
// Fork and Exit is set, matching Kind. Events are delivered in ascending
// EID order.
type Event struct {
	// Kind is the event kind.
	Kind EventKind `json:"kind" yaml:"kind"`

	// EID is the globally unique, monotone event id.
	EID uint64 `json:"eid" yaml:"eid"`

	// Exec holds the exec record for EventKindExec events.
	Exec *ExecEvent `json:"exec,omitempty" yaml:"exec,omitempty"`

	// Fork holds the fork record for EventKindFork events.
	Fork *ForkEvent `json:"fork,omitempty" yaml:"fork,omitempty"`

	// Exit holds the exit record for EventKindExit events.
	Exit *ExitEvent `json:"exit,omitempty" yaml:"exit,omitempty"`
}

// ExecEvent is one fully reassembled execve/execveat invocation.
type ExecEvent struct {
	// EID is the globally unique, monotone event id.
	EID uint64 `json:"eid" yaml:"eid"`

	// PID is the thread-group id observed at syscall entry. For a
	// successful exec from a non-leader thread this differs from the
	// post-exec thread-group id.
	PID int32 `json:"pid" yaml:"pid"`

	// PPID is the parent thread-group id.
	PPID int32 `json:"ppid" yaml:"ppid"`

	// UID is the real user id of the task.
	UID uint32 `json:"uid" yaml:"uid"`

	// GID is the real group id of the task.
	GID uint32 `json:"gid" yaml:"gid"`

	// Comm is the short task name at syscall entry.
	Comm string `json:"comm" yaml:"comm"`

	// Filename is the base filename passed to the syscall.
	Filename string `json:"filename" yaml:"filename"`

	// Execveat is true when the execveat variant was used.
	Execveat bool `json:"execveat,omitempty" yaml:"execveat,omitempty"`

	// ExecveatFd is the directory fd argument of execveat.
	ExecveatFd int32 `json:"execveat_fd,omitempty" yaml:"execveat_fd,omitempty"`

	// ExecveatFlags is the flags argument of execveat.
	ExecveatFlags uint32 `json:"execveat_flags,omitempty" yaml:"execveat_flags,omitempty"`

	// Compat is true when the 32-bit compatibility variant was used.
	Compat bool `json:"compat,omitempty" yaml:"compat,omitempty"`

	// Argv is the ordered argument vector.
	Argv []string `json:"argv" yaml:"argv"`

	// Envp is the ordered environment vector.
	Envp []string `json:"envp" yaml:"envp"`

	// Fds describes the open file descriptors inherited across the exec.
	Fds []FileDescriptor `json:"fds" yaml:"fds"`

	// Cwd is the absolute path of the working directory at syscall entry.
	Cwd string `json:"cwd" yaml:"cwd"`

	// Ret is the syscall return value.
	Ret int64 `json:"ret" yaml:"ret"`

	// Flags carries the advisory flags accumulated for this event.
	Flags Flags `json:"flags" yaml:"flags"`
}

// FileDescriptor is one open file descriptor at exec entry.
type FileDescriptor struct {
	// Fd is the descriptor number.
	Fd int32 `json:"fd" yaml:"fd"`

	// Flags are the file's open flags, with O_CLOEXEC folded in when the
	// descriptor's close-on-exec bit was set.
	Flags uint32 `json:"flags" yaml:"flags"`

	// MountID is the id of the mount the file lives on.
	MountID int32 `json:"mount_id" yaml:"mount_id"`

	// Inode is the file's inode number.
	Inode uint64 `json:"inode" yaml:"inode"`

	// Pos is the file position at exec entry.
	Pos uint64 `json:"pos" yaml:"pos"`

	// Fstype is the name of the filesystem type the file lives on.
	Fstype string `json:"fstype" yaml:"fstype"`

	// Path is the reconstructed absolute path of the file.
	Path string `json:"path" yaml:"path"`

	// RecordFlags carries the advisory flags of this record.
	RecordFlags Flags `json:"record_flags,omitempty" yaml:"record_flags,omitempty"`
}

// ForkEvent is one whole-process fork in the tracee closure.
type ForkEvent struct {
	// EID is the globally unique, monotone event id.
	EID uint64 `json:"eid" yaml:"eid"`

	// ChildTGID is the new child's thread-group id.
	ChildTGID int32 `json:"child_tgid" yaml:"child_tgid"`

	// ParentTGID is the forking parent's thread-group id.
	ParentTGID int32 `json:"parent_tgid" yaml:"parent_tgid"`
}

// ExitEvent is one whole-process exit.
type ExitEvent struct {
	// EID is the globally unique, monotone event id.
	EID uint64 `json:"eid" yaml:"eid"`

	// TGID is the exiting process's thread-group id.
	TGID int32 `json:"tgid" yaml:"tgid"`

	// Code is the exit code of the process.
	Code uint32 `json:"code" yaml:"code"`

	// Signal is the signal that terminated the process, if any.
	Signal uint32 `json:"signal" yaml:"signal"`

	// RootTracee is true when the exiting process is the root tracee. The
	// session shuts down once this record has been delivered.
	RootTracee bool `json:"root_tracee,omitempty" yaml:"root_tracee,omitempty"`
}
