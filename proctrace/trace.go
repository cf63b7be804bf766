package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/proctrace/proctrace/shared/api"
	"github.com/proctrace/proctrace/shared/logger"
	"github.com/proctrace/proctrace/shared/units"
	"github.com/proctrace/proctrace/tracer"
)

type cmdTrace struct {
	global *cmdGlobal

	flagAll            bool
	flagJSON           bool
	flagShowEnv        bool
	flagShowFds        bool
	flagProbe          string
	flagRingBufferSize string
}

func (c *cmdTrace) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "trace [flags] -- <command> [args...]"
	cmd.Short = "Run a command and trace every exec in its process tree"
	cmd.Long = `Description:
  Run a command and trace every exec in its process tree

  The command is launched stopped, the probe set is attached, and the
  command is resumed so that its own exec is the first traced event. With
  --all, every exec on the host is traced instead and the command merely
  bounds the session lifetime.`
	cmd.Args = cobra.MinimumNArgs(1)

	cmd.RunE = c.run
	cmd.Flags().BoolVar(&c.flagAll, "all", false, "Trace every exec on the host instead of the command's process tree")
	cmd.Flags().BoolVar(&c.flagJSON, "json", false, "Print events as JSON")
	cmd.Flags().BoolVar(&c.flagShowEnv, "env", false, "Print the environment of each exec")
	cmd.Flags().BoolVar(&c.flagShowFds, "fds", false, "Print the inherited file descriptors of each exec")
	cmd.Flags().StringVar(&c.flagProbe, "probe", "", "Path of the compiled probe object``")
	cmd.Flags().StringVar(&c.flagRingBufferSize, "ring-buffer-size", "", "Size of the shared ring buffer (e.g. 256MiB)``")

	return cmd
}

func (c *cmdTrace) run(cmd *cobra.Command, args []string) error {
	cfg := tracer.Config{
		ProbeObjectPath: c.flagProbe,
		FollowFork:      !c.flagAll,
	}

	if c.flagRingBufferSize != "" {
		size, err := units.ParseByteSizeString(c.flagRingBufferSize)
		if err != nil {
			return fmt.Errorf("Invalid ring buffer size %q: %w", c.flagRingBufferSize, err)
		}

		cfg.RingBufferSize = size
	}

	// Launch the tracee stopped so that the probe set is attached before
	// its first exec.
	shArgs := append([]string{"-c", `kill -STOP $$; exec "$0" "$@"`}, args...)
	tracee := exec.Command("/bin/sh", shArgs...)
	tracee.Stdin = os.Stdin
	tracee.Stdout = os.Stdout
	tracee.Stderr = os.Stderr

	err := tracee.Start()
	if err != nil {
		return fmt.Errorf("Failed to start %q: %w", args[0], err)
	}

	pid := tracee.Process.Pid

	// Wait for the stop to land.
	var status unix.WaitStatus
	_, err = unix.Wait4(pid, &status, unix.WUNTRACED, nil)
	if err != nil {
		return fmt.Errorf("Failed to wait for tracee stop: %w", err)
	}

	cfg.TraceeHostPID = pid
	cfg.TraceePID, cfg.TraceePIDNSInum, err = tracer.ResolveTracee(pid)
	if err != nil {
		return err
	}

	session, err := tracer.Open(cfg)
	if err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return err
	}

	defer func() { _ = session.Close() }()

	// Resume the tracee now that the probes are attached.
	err = unix.Kill(pid, unix.SIGCONT)
	if err != nil {
		return fmt.Errorf("Failed to resume tracee: %w", err)
	}

	// Reap the tracee; its exit also bounds a session that isn't
	// following forks.
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- tracee.Wait()
		session.Shutdown()
	}()

	// Pump events until the session shuts down.
	t := tomb.Tomb{}
	t.Go(func() error {
		for {
			ev, err := session.Next()
			if err != nil {
				if errors.Is(err, tracer.ErrTimeout) {
					continue
				}

				if errors.Is(err, tracer.ErrShutdown) {
					return nil
				}

				return err
			}

			c.render(ev)
		}
	})

	// Shut down cleanly on SIGINT/SIGTERM.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			logger.Info("Received signal, shutting down", logger.Ctx{"signal": sig})
			_ = unix.Kill(pid, unix.SIGTERM)
			session.Shutdown()
		case <-t.Dying():
		}
	}()

	err = t.Wait()
	if err != nil {
		return err
	}

	// Propagate the tracee's exit code.
	err = <-waitErr
	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			c.global.ret = exitErr.ExitCode()
		}
	}

	stats := session.Stats()
	logger.Info("Session statistics", logger.Ctx{
		"assembled":   stats.EventsAssembled,
		"forced":      stats.ForcedCompletions,
		"kernelDrops": stats.KernelDrops,
	})

	return nil
}

func (c *cmdTrace) render(ev *api.Event) {
	if c.flagJSON {
		_ = json.NewEncoder(os.Stdout).Encode(ev)
		return
	}

	switch ev.Kind {
	case api.EventKindExec:
		e := ev.Exec

		line := fmt.Sprintf("%d<%s>: exec %s %s", e.PID, e.Comm, e.Filename, shellquote.Join(e.Argv...))
		if e.Ret != 0 {
			line += fmt.Sprintf(" = %d", e.Ret)
		}

		if e.Flags != 0 {
			line += fmt.Sprintf(" [%s]", e.Flags)
		}

		fmt.Println(line)

		if c.flagShowEnv {
			for _, env := range e.Envp {
				fmt.Printf("  env %s\n", env)
			}
		}

		if c.flagShowFds {
			fmt.Printf("  cwd %s\n", e.Cwd)
			for _, fd := range e.Fds {
				cloexec := ""
				if fd.Flags&unix.O_CLOEXEC != 0 {
					cloexec = " cloexec"
				}

				fmt.Printf("  fd %d -> %s (%s%s)\n", fd.Fd, fd.Path, fd.Fstype, cloexec)
			}
		}
	case api.EventKindFork:
		fmt.Printf("%d: fork -> %d\n", ev.Fork.ParentTGID, ev.Fork.ChildTGID)
	case api.EventKindExit:
		what := fmt.Sprintf("code %d", ev.Exit.Code)
		if ev.Exit.Signal != 0 {
			what = "signal " + strings.TrimPrefix(unix.SignalName(unix.Signal(ev.Exit.Signal)), "SIG")
		}

		fmt.Printf("%d: exit %s\n", ev.Exit.TGID, what)
	}
}
