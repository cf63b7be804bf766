// Package tracer implements the userspace side of the exec-tracing core:
// it loads and attaches the kernel probe set, consumes the shared ring
// buffer and hands fully reassembled events to the consumer.
package tracer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/google/uuid"

	"github.com/proctrace/proctrace/shared/api"
	"github.com/proctrace/proctrace/shared/cancel"
	"github.com/proctrace/proctrace/shared/logger"
	"github.com/proctrace/proctrace/tracer/abi"
	"github.com/proctrace/proctrace/tracer/reassembler"
)

// ErrShutdown is returned by Next once the root tracee has exited and the
// in-flight state has been drained.
var ErrShutdown = errors.New("Trace session has shut down")

// ErrTimeout is returned by Next when the poll timeout elapsed without a
// completed event. The caller is expected to call Next again.
var ErrTimeout = errors.New("Timed out waiting for events")

// How long a single ring-buffer read may block while draining.
const drainPollTimeout = 100 * time.Millisecond

// Stats holds the session counters.
type Stats struct {
	reassembler.Stats

	// KernelEvents is the number of events the probe allocated.
	KernelEvents uint64

	// KernelDrops is the number of events the probe dropped for lack of
	// capacity.
	KernelDrops uint64
}

// Session is one running trace session. It is driven by cooperative pull:
// the consumer calls Next until it returns ErrShutdown, then Close. A
// Session is not safe for concurrent use.
type Session struct {
	cfg Config
	log logger.Logger

	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader

	asm       *reassembler.Reassembler
	canceller *cancel.Canceller
	drained   bool

	// Arms the /proc liveness fallback for the fork/exec race where the
	// root tracee dies without ever producing an exit record.
	traceeGoneSince time.Time
}

// Open validates the configuration, loads and attaches the probe set and
// returns a running session.
func Open(cfg Config) (*Session, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("Invalid session configuration: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		log:       logger.AddContext(logger.Ctx{"session": uuid.New().String()}),
		asm:       reassembler.New(cfg.CommitTimeout),
		canceller: cancel.New(),
	}

	err = s.load()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.log.Info("Trace session started", logger.Ctx{"followFork": cfg.FollowFork, "ringBufferSize": cfg.RingBufferSize})

	return s, nil
}

// Next returns the next event in ascending eid order, blocking on the
// ring buffer for at most the configured poll timeout. When the timeout
// elapses without a completed event, ErrTimeout is returned and the
// caller simply calls Next again. Once the root tracee has exited (or
// Shutdown was called) the remaining drainable state is handed out and
// ErrShutdown is returned.
func (s *Session) Next() (*api.Event, error) {
	for {
		ev := s.asm.Pop()
		if ev != nil {
			return ev, nil
		}

		if s.drained {
			return nil, ErrShutdown
		}

		timeout := s.cfg.PollTimeout
		if s.draining() {
			timeout = drainPollTimeout
		}

		s.reader.SetDeadline(time.Now().Add(timeout))

		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				s.finishDrain()
				continue
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.asm.Sweep()
				s.checkTraceeLiveness()

				// The ring is empty; if no further input can
				// arrive the remaining state is as complete as
				// it will ever be.
				if s.draining() {
					s.finishDrain()
					continue
				}

				return nil, ErrTimeout
			}

			return nil, fmt.Errorf("Failed to read ring buffer: %w", err)
		}

		rec, err := abi.Decode(record.RawSample)
		if err != nil {
			s.log.Warn("Discarding undecodable record", logger.Ctx{"err": err, "size": len(record.RawSample)})
			continue
		}

		err = s.asm.Ingest(rec)
		if err != nil {
			s.log.Warn("Discarding unhandled record", logger.Ctx{"err": err})
		}
	}
}

// draining reports whether no further input is expected.
func (s *Session) draining() bool {
	return s.asm.RootExited() || s.canceller.Err() != nil
}

func (s *Session) finishDrain() {
	if s.drained {
		return
	}

	s.asm.Drain()
	s.drained = true
}

// checkTraceeLiveness covers the known race where a fork fails after the
// closure was updated but before the child could exec: the root tracee can
// die without an exit record ever reaching the ring. Falling back to /proc
// keeps the session from hanging forever.
func (s *Session) checkTraceeLiveness() {
	if !s.cfg.FollowFork || s.cfg.TraceeHostPID == 0 || s.asm.RootExited() {
		return
	}

	_, err := os.Stat(fmt.Sprintf("/proc/%d", s.cfg.TraceeHostPID))
	if err == nil {
		s.traceeGoneSince = time.Time{}
		return
	}

	if s.traceeGoneSince.IsZero() {
		s.traceeGoneSince = time.Now()
		return
	}

	if time.Since(s.traceeGoneSince) > s.cfg.CommitTimeout {
		s.log.Warn("Root tracee vanished without an exit record, shutting down")
		s.canceller.Cancel()
	}
}

// Shutdown asks the session to stop: the next calls to Next drain the
// completable state and then return ErrShutdown. Safe to call from another
// goroutine than the one calling Next.
func (s *Session) Shutdown() {
	s.canceller.Cancel()
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	stats := Stats{Stats: s.asm.Stats()}

	if s.coll != nil {
		events, drops, err := s.kernelCounters()
		if err != nil {
			s.log.Warn("Failed to read kernel counters", logger.Ctx{"err": err})
		} else {
			stats.KernelEvents = events
			stats.KernelDrops = drops
		}
	}

	return stats
}

// Close detaches the probe set and releases every kernel resource. The
// session cannot be used afterwards.
func (s *Session) Close() error {
	s.canceller.Cancel()

	stats := s.Stats()
	s.log.Info("Trace session closed", logger.Ctx{
		"assembled":   stats.EventsAssembled,
		"forced":      stats.ForcedCompletions,
		"kernelDrops": stats.KernelDrops,
	})

	if s.reader != nil {
		err := s.reader.Close()
		if err != nil {
			return fmt.Errorf("Failed to close ring buffer reader: %w", err)
		}

		s.reader = nil
	}

	for _, l := range s.links {
		err := l.Close()
		if err != nil {
			return fmt.Errorf("Failed to detach probe: %w", err)
		}
	}

	s.links = nil

	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}

	return nil
}
