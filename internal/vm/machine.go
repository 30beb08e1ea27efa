package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/bridge"
	"github.com/javanstorm/bubbles/internal/config"
	"github.com/javanstorm/bubbles/internal/control"
	"github.com/javanstorm/bubbles/internal/host"
	"github.com/javanstorm/bubbles/internal/instance"
	"github.com/javanstorm/bubbles/internal/timing"
	"github.com/javanstorm/bubbles/pkg/hypervisor"
)

// DefaultStopTimeout bounds how long a process may take to exit after
// SIGTERM before it is killed.
const DefaultStopTimeout = 10 * time.Second

// Options configures every Machine started by a Registry.
type Options struct {
	Paths        *config.Paths
	CPUs         int
	MemoryMB     int
	Cmdline      string
	GPU          string
	PollInterval time.Duration
	Binaries     config.Binaries

	// Bridge is config.BridgeSocat or config.BridgeNative.
	Bridge string

	// StopTimeout bounds each SIGTERM before SIGKILL. Zero means
	// DefaultStopTimeout.
	StopTimeout time.Duration

	Spawner Spawner
	Control *control.Client
	Logger  *slog.Logger
}

// OptionsFromConfig builds Options for cfg.
func OptionsFromConfig(cfg *config.Config, spawner Spawner, logger *slog.Logger) Options {
	if logger == nil {
		logger = slog.Default()
	}
	return Options{
		Paths:        cfg.Paths(),
		CPUs:         cfg.CPUs,
		MemoryMB:     cfg.MemoryMB,
		Cmdline:      cfg.KernelCmdline,
		GPU:          cfg.GPUContext,
		PollInterval: cfg.PollInterval,
		Binaries:     cfg.Binaries,
		Bridge:       cfg.Bridge,
		Spawner:      spawner,
		Control:      &control.Client{Interval: cfg.PollInterval, Logger: logger},
		Logger:       logger,
	}
}

func (o *Options) stopTimeout() time.Duration {
	if o.StopTimeout > 0 {
		return o.StopTimeout
	}
	return DefaultStopTimeout
}

func (o *Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return control.DefaultInterval
}

func (o *Options) binary(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Machine runs one start sequence for the VM at a fixed registry index.
type Machine struct {
	opts   *Options
	name   string
	index  int
	paths  config.InstancePaths
	logger *slog.Logger
}

// NewMachine prepares a start sequence for name at index.
func NewMachine(opts *Options, name string, index int) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		opts:  opts,
		name:  name,
		index: index,
		paths: opts.Paths.Instance(name),
		logger: logger.With(
			"vm", name,
			"cid", CID(index),
			"session", uuid.NewString(),
		),
	}
}

// Run starts the VM and blocks until the hypervisor exits or ctx is
// cancelled. onRunning is called once the guest reports ready. Every
// process started is signalled and reaped before Run returns.
//
// Run returns nil when the hypervisor exits cleanly, ErrAborted when ctx
// is cancelled, and the underlying error otherwise.
func (m *Machine) Run(ctx context.Context, onRunning func()) (err error) {
	cid := CID(m.index)
	timer := timing.New()
	m.logger.Info("starting vm")

	var helpers []Process
	defer func() {
		m.terminate(helpers...)
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		if err != nil {
			m.logger.Warn("vm stopped", "error", err)
		} else {
			m.logger.Info("vm stopped")
		}
	}()

	proxy, err := m.opts.Spawner.Spawn(host.Command{
		Name:      m.opts.binary(m.opts.Binaries.Passt, "passt"),
		Args:      hypervisor.PasstArgs(m.paths.NetSocket),
		Placement: host.OnHost,
	})
	if err != nil {
		return fmt.Errorf("start network proxy: %w", err)
	}
	helpers = append(helpers, proxy)
	timer.Mark("proxy")

	guestBridge, err := m.startBridge(ctx, cid)
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	helpers = append(helpers, guestBridge)
	timer.Mark("bridge")

	if err := m.waitForNetSocket(ctx, proxy); err != nil {
		return err
	}
	timer.Mark("net_socket")

	hv, err := m.startHypervisor(cid)
	if err != nil {
		return err
	}
	defer func() {
		// No-op when the hypervisor already exited.
		m.terminate(hv)
		if errors.Is(err, errBootInterrupted) {
			err = nil
		} else if err == nil && !hv.Success() {
			err = ErrHypervisorFailed
		}
		m.recordShutdown(err == nil)
	}()
	timer.Mark("hypervisor")

	if err := m.waitReady(ctx, hv); err != nil {
		return err
	}
	timer.Mark("ready")
	m.logger.Info("vm running", "timing", timer)
	m.recordBoot()
	if onRunning != nil {
		onRunning()
	}

	// The hypervisor exiting on its own ends the session.
	return hv.Wait(ctx)
}

func (m *Machine) startBridge(ctx context.Context, cid uint32) (Process, error) {
	if m.opts.Bridge == config.BridgeNative {
		b := &bridge.Bridge{
			SocketPath: m.paths.ControlSocket,
			Dial:       bridge.VsockDialer(cid, hypervisor.GuestControlPort),
			Logger:     m.logger,
		}
		// The bridge outlives ctx cancellation until teardown stops it.
		if err := b.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return bridgeProcess{b}, nil
	}

	args, err := hypervisor.SocatArgs(m.paths.ControlSocket, cid, hypervisor.GuestControlPort)
	if err != nil {
		return nil, err
	}
	return m.opts.Spawner.Spawn(host.Command{
		Name:      m.opts.binary(m.opts.Binaries.Socat, "socat"),
		Args:      args,
		Placement: host.Bundled,
	})
}

// waitForNetSocket polls for the proxy's socket, giving up if the proxy
// exits first.
func (m *Machine) waitForNetSocket(ctx context.Context, proxy Process) error {
	waitCtx, cancel := untilExit(ctx, proxy, errors.New("network proxy exited"))
	defer cancel(nil)

	if err := m.opts.Spawner.WaitForPath(waitCtx, m.paths.NetSocket, m.opts.pollInterval()); err != nil {
		if cause := context.Cause(waitCtx); cause != nil && ctx.Err() == nil {
			return cause
		}
		return fmt.Errorf("wait for network socket: %w", err)
	}
	return nil
}

func (m *Machine) startHypervisor(cid uint32) (Process, error) {
	wayland, err := m.opts.Spawner.WaylandSocket()
	if err != nil {
		m.logger.Warn("starting without display", "error", err)
		wayland = ""
	}

	vmCfg := &hypervisor.VMConfig{
		Name:          m.name,
		CPUs:          m.opts.CPUs,
		MemoryMB:      m.opts.MemoryMB,
		Kernel:        m.paths.Kernel,
		Initrd:        m.paths.Initrd,
		Cmdline:       m.opts.Cmdline,
		DiskPath:      m.paths.Disk,
		ControlSocket: m.paths.HypervisorSocket,
		CID:           cid,
		GPU:           m.opts.GPU,
		WaylandSocket: wayland,
		NetSocket:     m.paths.NetSocket,
	}
	args, err := vmCfg.Args()
	if err != nil {
		return nil, fmt.Errorf("configure hypervisor: %w", err)
	}

	hv, err := m.opts.Spawner.Spawn(host.Command{
		Name:      m.opts.binary(m.opts.Binaries.Crosvm, "crosvm"),
		Args:      args,
		Placement: host.Bundled,
	})
	if err != nil {
		return nil, fmt.Errorf("start hypervisor: %w", err)
	}
	return hv, nil
}

// waitReady polls the guest until it is ready. A hypervisor that exits
// before then ends the wait; a clean exit there is a shutdown during
// boot, not an error.
func (m *Machine) waitReady(ctx context.Context, hv Process) error {
	errExited := errors.New("hypervisor exited before the guest was ready")
	waitCtx, cancel := untilExit(ctx, hv, errExited)
	defer cancel(nil)

	err := m.opts.Control.WaitReady(waitCtx, m.paths.ControlSocket)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(context.Cause(waitCtx), errExited) {
		if hv.Success() {
			return errBootInterrupted
		}
		return fmt.Errorf("%w: %w", ErrHypervisorFailed, errExited)
	}
	return err
}

// errBootInterrupted ends Run without an error: the guest shut down
// before it reported ready.
var errBootInterrupted = errors.New("vm: shut down during boot")

// terminate sends SIGTERM to every live process, then waits for each,
// escalating to SIGKILL after the stop timeout.
func (m *Machine) terminate(procs ...Process) {
	for _, p := range procs {
		p.Signal(unix.SIGTERM)
	}

	timeout := m.opts.stopTimeout()
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := p.Wait(ctx); err != nil {
				m.logger.Warn("process ignored SIGTERM, killing", "error", err)
				p.Signal(unix.SIGKILL)
				<-p.Done()
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Machine) recordBoot() {
	if err := instance.RecordBoot(m.paths.Metadata); err != nil {
		m.logger.Debug("failed to record boot", "error", err)
	}
}

func (m *Machine) recordShutdown(clean bool) {
	if err := instance.RecordShutdown(m.paths.Metadata, clean); err != nil {
		m.logger.Debug("failed to record shutdown", "error", err)
	}
}

// untilExit derives a context that is cancelled with cause when p exits.
func untilExit(ctx context.Context, p Process, cause error) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-p.Done():
			cancel(cause)
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
