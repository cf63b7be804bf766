package tracer

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/proctrace/proctrace/shared/logger"
	"github.com/proctrace/proctrace/shared/osarch"
	"github.com/proctrace/proctrace/tracer/abi"
)

// Map and program names in the probe object. These match bpf/proctrace.bpf.c.
const (
	mapEvents   = "events"
	mapCounters = "counters"
)

const (
	counterEvents = iota
	counterDrops
)

// The probe programs. Compat variants only exist in objects built for
// architectures with a 32-bit compatibility layer.
var probePrograms = []struct {
	name     string
	required bool
}{
	{"handle_execve_entry", true},
	{"handle_execve_exit", true},
	{"handle_execveat_entry", true},
	{"handle_execveat_exit", true},
	{"handle_compat_execve_entry", false},
	{"handle_compat_execve_exit", false},
	{"handle_compat_execveat_entry", false},
	{"handle_compat_execveat_exit", false},
	{"handle_fork", true},
	{"handle_exit", true},
}

// load reads the probe object, applies the session configuration, loads
// the collection into the kernel and attaches every program.
func (s *Session) load() error {
	err := rlimit.RemoveMemlock()
	if err != nil {
		return fmt.Errorf("Failed to remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(s.cfg.ProbeObjectPath)
	if err != nil {
		return fmt.Errorf("Failed to load probe object %q: %w", s.cfg.ProbeObjectPath, err)
	}

	err = validateProbeArch(spec)
	if err != nil {
		return fmt.Errorf("Probe object %q doesn't match this host: %w", s.cfg.ProbeObjectPath, err)
	}

	eventsSpec, ok := spec.Maps[mapEvents]
	if !ok {
		return fmt.Errorf("Probe object %q has no %q map", s.cfg.ProbeObjectPath, mapEvents)
	}

	eventsSpec.MaxEntries = uint32(s.cfg.RingBufferSize)

	followFork := uint32(0)
	if s.cfg.FollowFork {
		followFork = 1
	}

	err = spec.RewriteConstants(map[string]any{
		"probe_config": abi.ProbeConfig{
			MaxNumCpus:      s.cfg.MaxCPUs,
			NoFile:          s.cfg.NoFile,
			FollowFork:      followFork,
			TraceePid:       s.cfg.TraceePID,
			TraceePidnsInum: s.cfg.TraceePIDNSInum,
		},
	})
	if err != nil {
		return fmt.Errorf("Failed to apply probe configuration: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("Failed to load probe collection: %w", err)
	}

	s.coll = coll

	for _, prog := range probePrograms {
		p, ok := coll.Programs[prog.name]
		if !ok {
			if !prog.required {
				continue
			}

			return fmt.Errorf("Probe object %q has no %q program", s.cfg.ProbeObjectPath, prog.name)
		}

		l, err := link.AttachTracing(link.TracingOptions{Program: p})
		if err != nil {
			return fmt.Errorf("Failed to attach %q: %w", prog.name, err)
		}

		s.links = append(s.links, l)
		s.log.Debug("Attached probe program", logger.Ctx{"program": prog.name})
	}

	s.reader, err = ringbuf.NewReader(coll.Maps[mapEvents])
	if err != nil {
		return fmt.Errorf("Failed to open ring buffer reader: %w", err)
	}

	return nil
}

// validateProbeArch checks that the probe object was built against this
// host's syscall wrapper symbols, so that a mismatched object fails with
// a clear error instead of an opaque attach failure.
func validateProbeArch(spec *ebpf.CollectionSpec) error {
	local, err := osarch.ArchitectureGetLocal()
	if err != nil {
		return err
	}

	arch, err := osarch.ArchitectureId(local)
	if err != nil {
		return err
	}

	prefix, err := osarch.SyscallPrefix(arch)
	if err != nil {
		return err
	}

	prog, ok := spec.Programs["handle_execve_entry"]
	if !ok {
		return fmt.Errorf("No %q program", "handle_execve_entry")
	}

	want := fmt.Sprintf("__%s_sys_execve", prefix)
	if prog.AttachTo != want {
		return fmt.Errorf("Probe targets %q but this host uses %q", prog.AttachTo, want)
	}

	// Compat programs are only valid on architectures with a 32-bit
	// compatibility layer.
	compatProg, ok := spec.Programs["handle_compat_execve_entry"]
	if ok {
		compatPrefix, err := osarch.SyscallCompatPrefix(arch)
		if err != nil {
			return err
		}

		if compatPrefix == "" {
			return fmt.Errorf("Probe carries compat programs but %q has no compatibility layer", local)
		}

		want = fmt.Sprintf("__%s_compat_sys_execve", compatPrefix)
		if compatProg.AttachTo != want {
			return fmt.Errorf("Probe targets %q but this host uses %q", compatProg.AttachTo, want)
		}
	}

	return nil
}

// kernelCounters reads the probe's global event and drop counters.
func (s *Session) kernelCounters() (uint64, uint64, error) {
	counters, ok := s.coll.Maps[mapCounters]
	if !ok {
		return 0, 0, fmt.Errorf("Probe collection has no %q map", mapCounters)
	}

	var events, drops uint64
	err := counters.Lookup(uint32(counterEvents), &events)
	if err != nil {
		return 0, 0, fmt.Errorf("Failed to read event counter: %w", err)
	}

	err = counters.Lookup(uint32(counterDrops), &drops)
	if err != nil {
		return 0, 0, fmt.Errorf("Failed to read drop counter: %w", err)
	}

	return events, drops, nil
}
