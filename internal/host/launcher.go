package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/config"
)

// waitDelay bounds how long Wait keeps draining output pipes after the
// child exits, since forked grandchildren (socat) may hold them open.
const waitDelay = 2 * time.Second

// Launcher spawns commands through a fixed Resolver.
type Launcher struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewLauncher creates a launcher. A nil logger uses slog.Default().
func NewLauncher(resolver Resolver, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{resolver: resolver, logger: logger}
}

// Detect selects the resolver for mode (config.SandboxAuto, SandboxOn,
// SandboxOff). In auto mode the sandbox is detected by the presence of
// the manifest.
func Detect(mode string, logger *slog.Logger) (*Launcher, error) {
	return detectAt(mode, ManifestPath, logger)
}

func detectAt(mode, manifest string, logger *slog.Logger) (*Launcher, error) {
	sandboxed := false
	switch mode {
	case config.SandboxOn:
		sandboxed = true
	case config.SandboxOff:
	case config.SandboxAuto, "":
		_, err := os.Stat(manifest)
		sandboxed = err == nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}

	if !sandboxed {
		return NewLauncher(Direct{}, logger), nil
	}

	relay, err := LoadRelay(manifest, unix.Getuid())
	if err != nil && mode != config.SandboxOn {
		return nil, err
	}
	return NewLauncher(relay, logger), nil
}

// Sandboxed reports whether host-bound commands are relayed.
func (l *Launcher) Sandboxed() bool {
	return l.resolver.Relayed()
}

// Resolve exposes the resolved invocation for cmd.
func (l *Launcher) Resolve(cmd Command) Invocation {
	return l.resolver.Resolve(cmd)
}

// Spawn starts cmd. It does not retry.
func (l *Launcher) Spawn(cmd Command) (*Process, error) {
	inv := l.resolver.Resolve(cmd)
	if len(inv.Argv) == 0 {
		return nil, errors.New("host: empty command")
	}

	c := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	if len(inv.Env) > 0 {
		c.Env = append(os.Environ(), inv.Env...)
	}
	logger := l.logger.With("process", cmd.Name)
	c.Stdout = &lineLogger{logger: logger, stream: "stdout"}
	c.Stderr = &lineLogger{logger: logger, stream: "stderr"}
	c.WaitDelay = waitDelay
	configureChild(c)

	p, err := startProcess(cmd.Name, c)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cmd.Name, err)
	}
	logger.Debug("process started", "pid", p.Pid(), "argv", inv.Argv)
	return p, nil
}

// Run spawns cmd and waits for it. A non-zero exit is an error.
func (l *Launcher) Run(ctx context.Context, cmd Command) error {
	p, err := l.Spawn(cmd)
	if err != nil {
		return err
	}
	if err := p.Wait(ctx); err != nil {
		p.Signal(unix.SIGTERM)
		<-p.Done()
		return fmt.Errorf("wait %s: %w", cmd.Name, err)
	}
	if !p.Success() {
		return fmt.Errorf("%s exited with status %d", cmd.Name, p.ExitCode())
	}
	return nil
}

// Exists reports whether path exists as seen by the host. Inside the
// sandbox the check runs on the host because directories such as /tmp
// are private to the sandbox.
func (l *Launcher) Exists(ctx context.Context, path string) bool {
	if !l.resolver.Relayed() {
		_, err := os.Stat(path)
		return err == nil
	}

	p, err := l.Spawn(Command{Name: "test", Args: []string{"-e", path}, Placement: OnHost})
	if err != nil {
		l.logger.Debug("host path check failed", "path", path, "error", err)
		return false
	}
	if err := p.Wait(ctx); err != nil {
		p.Signal(unix.SIGTERM)
		return false
	}
	return p.Success()
}

// WaitForPath polls until path exists or ctx is done.
func (l *Launcher) WaitForPath(ctx context.Context, path string, interval time.Duration) error {
	for {
		if l.Exists(ctx, path) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// WaylandSocket returns the compositor socket as the hypervisor on the
// host will see it.
func (l *Launcher) WaylandSocket() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		return "", errors.New("host: WAYLAND_DISPLAY is not set")
	}
	if filepath.IsAbs(display) {
		return display, nil
	}

	if relay, ok := l.resolver.(Relay); ok {
		return filepath.Join(relay.RuntimeDir(), display), nil
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", errors.New("host: XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, display), nil
}

// lineLogger forwards child output to the logger one line at a time.
type lineLogger struct {
	logger *slog.Logger
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug(string(line), "stream", w.stream)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
