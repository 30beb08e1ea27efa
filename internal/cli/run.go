package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/host"
	"github.com/javanstorm/bubbles/internal/instance"
	"github.com/javanstorm/bubbles/internal/vm"
)

// closeTimeout bounds teardown after the last VM stopped.
const closeTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [name...]",
	Short: "Start bubbles and supervise them in the foreground",
	Long: `Start the named bubbles (all of them if none are named) and stay in
the foreground until every one has stopped.

The first Ctrl+C asks each guest to shut down; a second one kills the
hypervisors.`,
	RunE: runRun,
}

// lifecycle is the part of *vm.Registry that run drives.
type lifecycle interface {
	Toggle(name string) error
	Stop(name string) error
	Kill(name string) error
	Entries() []vm.Entry
	Events() <-chan vm.Event
	Close(ctx context.Context) error
}

func runRun(cmd *cobra.Command, args []string) error {
	paths := cfg.Paths()

	// Held until every VM stopped so the list, and with it each CID, stays fixed.
	unlockList, err := lockFile(paths.VMListLock(), unix.LOCK_SH)
	if errors.Is(err, errLocked) {
		return errors.New("a bubble is being created; try again")
	}
	if err != nil {
		return fmt.Errorf("lock vm list: %w", err)
	}
	defer unlockList()

	names, err := instance.List(paths.VMsDir())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.New("no bubbles; create one with 'bubbles create <name>'")
	}

	targets := args
	if len(targets) == 0 {
		targets = names
	}
	for _, name := range targets {
		if !slices.Contains(names, name) {
			return fmt.Errorf("no bubble named %q", name)
		}
	}

	for _, name := range targets {
		pid, err := claimPIDFile(paths.Instance(name).PIDFile)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		defer pid.Release()
	}

	launcher, err := host.Detect(cfg.Sandbox, logger)
	if err != nil {
		return err
	}
	logger.Debug("launcher selected", "sandboxed", launcher.Sandboxed())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	// The registry holds every bubble so CIDs stay tied to list order.
	opts := vm.OptionsFromConfig(cfg, vm.NewSpawner(launcher), logger)
	registry := vm.NewRegistry(opts, names)
	return supervise(registry, targets, cmd.OutOrStdout(), signals, time.Second)
}

// supervise starts targets and returns once all of them have stopped.
// The first signal requests a shutdown of every live target; any further
// signal kills them. Entries are re-checked every poll in case an event
// was dropped.
func supervise(reg lifecycle, targets []string, out io.Writer, signals <-chan os.Signal, poll time.Duration) error {
	pending := make(map[string]bool)
	var failures []error

	for _, name := range targets {
		if err := reg.Toggle(name); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}
		pending[name] = true
	}

	finish := func(name string, cause error) {
		if !pending[name] {
			return
		}
		delete(pending, name)
		if cause != nil && !errors.Is(cause, vm.ErrAborted) {
			failures = append(failures, fmt.Errorf("%s: %w", name, cause))
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	signalCount := 0
	events := reg.Events()
	for len(pending) > 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEvent(out, ev)
			if ev.Status == vm.StatusNotRunning {
				finish(ev.Name, ev.Err)
			}

		case <-ticker.C:
			for _, e := range reg.Entries() {
				if e.Status == vm.StatusNotRunning {
					finish(e.Name, e.Err)
				}
			}

		case <-signals:
			signalCount++
			if signalCount == 1 {
				fmt.Fprintln(out, "Stopping... (press Ctrl+C again to force)")
				for name := range pending {
					if err := reg.Stop(name); err != nil && !errors.Is(err, vm.ErrNotRunning) {
						fmt.Fprintf(out, "%s: %v\n", name, err)
					}
				}
			} else {
				fmt.Fprintln(out, "Killing...")
				for name := range pending {
					reg.Kill(name)
				}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := reg.Close(ctx); err != nil {
		failures = append(failures, fmt.Errorf("close: %w", err))
	}
	return errors.Join(failures...)
}

func printEvent(out io.Writer, ev vm.Event) {
	if ev.Err != nil {
		fmt.Fprintf(out, "%s: %s (%v)\n", ev.Name, ev.Status, ev.Err)
		return
	}
	fmt.Fprintf(out, "%s: %s\n", ev.Name, ev.Status)
}
