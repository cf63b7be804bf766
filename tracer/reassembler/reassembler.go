// Package reassembler joins the sub-events streamed by the kernel probe
// into completed logical events and hands them out in causal (eid) order.
package reassembler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/proctrace/proctrace/shared/api"
	"github.com/proctrace/proctrace/shared/logger"
	"github.com/proctrace/proctrace/tracer/abi"
)

// DefaultCommitTimeout is how long a committed event may wait for straggler
// sub-events before it is force-completed.
const DefaultCommitTimeout = 5 * time.Second

// Stats holds the reassembler counters.
type Stats struct {
	// RecordsIngested is the number of ring-buffer records consumed.
	RecordsIngested uint64

	// EventsAssembled is the number of logical events handed out.
	EventsAssembled uint64

	// ForcedCompletions is the number of events emitted by the watchdog
	// or the shutdown drain rather than by their completion predicate.
	ForcedCompletions uint64

	// EventsLost is the number of eids that never produced any record,
	// detected through gaps in the emitted eid sequence.
	EventsLost uint64
}

// Per-eid assembly states.
type state int

const (
	stateOpen state = iota
	stateNeedsCommit
)

type pathGroup struct {
	segments map[uint32]string
	flags    api.Flags

	// count is the segment count asserted by the PATH terminator, or -1
	// while the terminator has not arrived.
	count int
}

type fdEntry struct {
	body  abi.FDBody
	flags api.Flags
}

type pending struct {
	eid   uint64
	pid   int32
	state state
	flags api.Flags

	strings map[uint32][]byte
	fds     map[uint32]*fdEntry
	paths   map[uint32]*pathGroup

	commit *abi.SysExitBody

	// deadline is armed when the commit record arrives; stragglers past
	// it are force-completed by Sweep.
	deadline time.Time
}

// Reassembler collates ring-buffer records by eid. It is not safe for
// concurrent use; the polling loop owns it.
type Reassembler struct {
	commitTimeout time.Duration

	inflight map[uint64]*pending
	ready    eventHeap

	rootExited  bool
	lastEmitted uint64
	emittedAny  bool

	stats Stats
	log   logger.Logger

	// now is replaced by tests.
	now func() time.Time
}

// New returns a reassembler whose watchdog force-completes events that
// linger longer than commitTimeout after their commit record.
func New(commitTimeout time.Duration) *Reassembler {
	if commitTimeout <= 0 {
		commitTimeout = DefaultCommitTimeout
	}

	return &Reassembler{
		commitTimeout: commitTimeout,
		inflight:      map[uint64]*pending{},
		log:           logger.AddContext(logger.Ctx{"component": "reassembler"}),
		now:           time.Now,
	}
}

func (r *Reassembler) slot(hdr abi.Header) *pending {
	p, ok := r.inflight[hdr.EID]
	if !ok {
		p = &pending{
			eid:     hdr.EID,
			pid:     hdr.PID,
			strings: map[uint32][]byte{},
			fds:     map[uint32]*fdEntry{},
			paths:   map[uint32]*pathGroup{},
		}

		r.inflight[hdr.EID] = p
	}

	return p
}

func (p *pending) path(id uint32) *pathGroup {
	g, ok := p.paths[id]
	if !ok {
		g = &pathGroup{segments: map[uint32]string{}, count: -1}
		p.paths[id] = g
	}

	return g
}

// Ingest feeds one decoded record into the assembly state. Arrival order is
// arbitrary: the commit record may precede, interleave with, or follow its
// children.
func (r *Reassembler) Ingest(rec *abi.Record) error {
	r.stats.RecordsIngested++

	hdr := rec.Header

	// Records below the emission watermark can never be delivered in
	// order any more; their event was already emitted or given up on.
	if r.emittedAny && hdr.EID <= r.lastEmitted {
		_, ok := r.inflight[hdr.EID]
		if !ok {
			r.log.Debug("Ignoring stale record", logger.Ctx{"eid": hdr.EID, "type": hdr.Type})
			return nil
		}
	}

	switch hdr.Type {
	case abi.TypeFork:
		r.push(&api.Event{
			Kind: api.EventKindFork,
			EID:  hdr.EID,
			Fork: &api.ForkEvent{
				EID:        hdr.EID,
				ChildTGID:  hdr.PID,
				ParentTGID: rec.Fork.ParentTGID,
			},
		})
	case abi.TypeExit:
		r.push(&api.Event{
			Kind: api.EventKindExit,
			EID:  hdr.EID,
			Exit: &api.ExitEvent{
				EID:        hdr.EID,
				TGID:       hdr.PID,
				Code:       rec.Exit.ExitCode,
				Signal:     rec.Exit.ExitSignal,
				RootTracee: rec.Exit.IsRootTracee != 0,
			},
		})

		if rec.Exit.IsRootTracee != 0 {
			r.log.Info("Root tracee exited", logger.Ctx{"tgid": hdr.PID, "code": rec.Exit.ExitCode})
			r.rootExited = true
		}
	case abi.TypeSysExit:
		p := r.slot(hdr)
		p.flags |= hdr.Flags
		p.commit = rec.SysExit
		p.state = stateNeedsCommit
		p.deadline = r.now().Add(r.commitTimeout)
		r.tryComplete(p)
	case abi.TypeString:
		p := r.slot(hdr)
		p.flags |= hdr.Flags
		p.strings[hdr.ID] = rec.Data
		r.tryComplete(p)
	case abi.TypeFD:
		p := r.slot(hdr)
		p.fds[hdr.ID] = &fdEntry{body: *rec.FD, flags: hdr.Flags}
		r.tryComplete(p)
	case abi.TypePathSegment:
		p := r.slot(hdr)
		g := p.path(hdr.ID)
		g.flags |= hdr.Flags
		g.segments[rec.PathSegment.Index] = abi.CString(rec.PathSegment.Segment[:])
		r.tryComplete(p)
	case abi.TypePath:
		p := r.slot(hdr)
		g := p.path(hdr.ID)
		g.flags |= hdr.Flags
		g.count = int(rec.Path.SegmentCount)
		r.tryComplete(p)
	case abi.TypeSysEnter:
		// Never put on the ring by the probe; tolerated for forward
		// compatibility.
	default:
		return fmt.Errorf("Unhandled record type: %d", hdr.Type)
	}

	return nil
}

// complete reports whether every sub-event the commit record declared has
// been collected.
func (p *pending) complete() bool {
	if p.commit == nil {
		return false
	}

	total := p.commit.Count[0] + p.commit.Count[1]
	have := uint32(0)
	for id := range p.strings {
		if id < total {
			have++
		}
	}

	if have < total {
		return false
	}

	fds := uint32(0)
	for id := range p.fds {
		if id < p.commit.FdCount {
			fds++
		}
	}

	if fds < p.commit.FdCount {
		return false
	}

	// Every referenced path group needs its terminator and all segments.
	for _, entry := range p.fds {
		g, ok := p.paths[entry.body.PathID]
		if !ok || g.count < 0 || len(g.segments) < g.count {
			return false
		}
	}

	return true
}

func (r *Reassembler) tryComplete(p *pending) {
	if p.state != stateNeedsCommit || !p.complete() {
		return
	}

	r.emit(p, false)
}

func (r *Reassembler) emit(p *pending, forced bool) {
	delete(r.inflight, p.eid)

	if forced {
		p.flags |= api.FlagUserspaceDropMarker
		r.stats.ForcedCompletions++
	}

	r.push(p.assemble())
}

func (r *Reassembler) push(ev *api.Event) {
	heap.Push(&r.ready, ev)
}

// Sweep force-completes committed events whose stragglers are overdue.
func (r *Reassembler) Sweep() {
	now := r.now()
	for _, p := range r.inflight {
		if p.state == stateNeedsCommit && now.After(p.deadline) {
			r.log.Warn("Force-completing straggler event", logger.Ctx{"eid": p.eid, "pid": p.pid})
			r.emit(p, true)
		}
	}
}

// Drain force-completes everything still in flight. Used at shutdown once
// no further input can arrive.
func (r *Reassembler) Drain() {
	for _, p := range r.inflight {
		r.emit(p, true)
	}
}

// Pop returns the next emittable event in ascending eid order, or nil when
// none can be handed out yet. An event is held back while an in-flight eid
// below it could still complete.
func (r *Reassembler) Pop() *api.Event {
	if r.ready.Len() == 0 {
		return nil
	}

	next := r.ready[0]
	for eid := range r.inflight {
		if eid < next.EID {
			return nil
		}
	}

	heap.Pop(&r.ready)

	if r.emittedAny && next.EID > r.lastEmitted+1 {
		lost := next.EID - r.lastEmitted - 1
		r.stats.EventsLost += lost
		r.log.Warn("Gap in event sequence", logger.Ctx{"lost": lost, "eid": next.EID})
	}

	r.lastEmitted = next.EID
	r.emittedAny = true
	r.stats.EventsAssembled++

	return next
}

// RootExited reports whether the root tracee's exit record has been seen.
func (r *Reassembler) RootExited() bool {
	return r.rootExited
}

// Pending returns the number of in-flight (not yet emittable) events.
func (r *Reassembler) Pending() int {
	return len(r.inflight)
}

// Queued returns the number of assembled events awaiting Pop.
func (r *Reassembler) Queued() int {
	return r.ready.Len()
}

// Stats returns a copy of the reassembler counters.
func (r *Reassembler) Stats() Stats {
	return r.stats
}

// assemble builds the consumer-facing event from the collected state.
func (p *pending) assemble() *api.Event {
	ev := &api.ExecEvent{
		EID:   p.eid,
		PID:   p.pid,
		Flags: p.flags,
	}

	if p.commit == nil {
		// Force-completed without a commit record: the argv/envp split
		// is unknown, so everything collected lands in argv.
		ev.Flags |= api.FlagUserspaceDropMarker
		for _, id := range sortedKeys(p.strings) {
			ev.Argv = append(ev.Argv, string(p.strings[id]))
		}

		return &api.Event{Kind: api.EventKindExec, EID: p.eid, Exec: ev}
	}

	commit := p.commit
	ev.PID = commit.TGID
	ev.PPID = commit.PPID
	ev.UID = commit.UID
	ev.GID = commit.GID
	ev.Comm = abi.CString(commit.Comm[:])
	ev.Filename = abi.CString(commit.Filename[:])
	ev.Ret = commit.Ret
	ev.Execveat = commit.IsExecveat != 0
	ev.Compat = commit.IsCompat != 0
	if ev.Execveat {
		ev.ExecveatFd = commit.ExecveatFd
		ev.ExecveatFlags = commit.ExecveatFlags
	}

	argc := commit.Count[0]
	envc := commit.Count[1]
	ev.Argv = make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		s, ok := p.strings[i]
		if !ok {
			ev.Flags |= api.FlagUserspaceDropMarker
			continue
		}

		ev.Argv = append(ev.Argv, string(s))
	}

	ev.Envp = make([]string, 0, envc)
	for i := argc; i < argc+envc; i++ {
		s, ok := p.strings[i]
		if !ok {
			ev.Flags |= api.FlagUserspaceDropMarker
			continue
		}

		ev.Envp = append(ev.Envp, string(s))
	}

	ev.Fds = make([]api.FileDescriptor, 0, commit.FdCount)
	for i := uint32(0); i < commit.FdCount; i++ {
		entry, ok := p.fds[i]
		if !ok {
			ev.Flags |= api.FlagUserspaceDropMarker
			continue
		}

		path, pathFlags := p.joinPath(entry.body.PathID)
		ev.Flags |= pathFlags & api.FlagUserspaceDropMarker

		// The cwd group travels as a synthetic fd record.
		if entry.body.FdNum == abi.AtFdcwd {
			ev.Cwd = path
			continue
		}

		ev.Fds = append(ev.Fds, api.FileDescriptor{
			Fd:          entry.body.FdNum,
			Flags:       entry.body.OpenFlags,
			MountID:     entry.body.MntID,
			Inode:       entry.body.Inode,
			Pos:         entry.body.FilePos,
			Fstype:      abi.CString(entry.body.FstypeName[:]),
			Path:        path,
			RecordFlags: entry.flags | pathFlags,
		})
	}

	return &api.Event{Kind: api.EventKindExec, EID: p.eid, Exec: ev}
}

// joinPath reconstructs the absolute path from a leaf-first segment group:
// the reverse concatenation of the segments joined by "/", with a leading
// "/".
func (p *pending) joinPath(id uint32) (string, api.Flags) {
	g, ok := p.paths[id]
	if !ok {
		return "", api.FlagUserspaceDropMarker
	}

	flags := g.flags
	count := g.count
	if count < 0 {
		// Terminator lost; use what was collected.
		flags |= api.FlagUserspaceDropMarker
		count = len(g.segments)
		for idx := range g.segments {
			if int(idx) >= count {
				count = int(idx) + 1
			}
		}
	}

	parts := make([]string, 0, count)
	for i := count - 1; i >= 0; i-- {
		seg, ok := g.segments[uint32(i)]
		if !ok {
			flags |= api.FlagUserspaceDropMarker
			continue
		}

		parts = append(parts, seg)
	}

	return "/" + strings.Join(parts, "/"), flags
}

func sortedKeys(m map[uint32][]byte) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

// eventHeap orders assembled events by ascending eid.
type eventHeap []*api.Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].EID < h[j].EID }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(*api.Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}
