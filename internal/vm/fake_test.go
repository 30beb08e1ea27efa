package vm

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/config"
	"github.com/javanstorm/bubbles/internal/host"
	"github.com/javanstorm/bubbles/internal/testutil"
)

// fakeProcess exits when told to or on SIGTERM/SIGKILL.
type fakeProcess struct {
	name       string
	ignoreTerm bool
	onExit     func()

	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	success bool
	signals []os.Signal
}

func newFakeProcess(name string) *fakeProcess {
	return &fakeProcess{name: name, done: make(chan struct{})}
}

func (p *fakeProcess) exit(success bool) {
	p.once.Do(func() {
		p.mu.Lock()
		p.success = success
		p.mu.Unlock()
		if p.onExit != nil {
			p.onExit()
		}
		close(p.done)
	})
}

func (p *fakeProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProcess) Signal(sig os.Signal) {
	select {
	case <-p.done:
		return
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == unix.SIGKILL || (sig == unix.SIGTERM && !p.ignoreTerm) {
		p.exit(false)
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Success() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.success
}

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeSpawner imitates passt, socat and crosvm. socat brings up a fake
// guest on the control socket; crosvm makes it ready and exits when the
// guest is asked to shut down.
type fakeSpawner struct {
	t     *testing.T
	paths *config.Paths

	failOn        string
	bootReady     bool
	noNetSocket   bool
	hvIgnoresTerm bool

	mu       sync.Mutex
	commands []host.Command
	procs    map[string][]*fakeProcess
	guests   map[string]*testutil.FakeGuest
}

func newFakeSpawner(t *testing.T) *fakeSpawner {
	return &fakeSpawner{
		t:         t,
		bootReady: true,
		procs:     make(map[string][]*fakeProcess),
		guests:    make(map[string]*testutil.FakeGuest),
	}
}

func (s *fakeSpawner) Spawn(cmd host.Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, cmd)
	if cmd.Name == s.failOn {
		return nil, errors.New("exec: executable file not found in $PATH")
	}

	p := newFakeProcess(cmd.Name)
	switch cmd.Name {
	case "passt":
		if !s.noNetSocket {
			if err := os.WriteFile(cmd.Args[len(cmd.Args)-1], nil, 0644); err != nil {
				return nil, err
			}
		}
	case "socat":
		listen := strings.TrimSuffix(strings.TrimPrefix(cmd.Args[0], "UNIX-LISTEN:"), ",fork")
		guest := testutil.StartFakeGuest(s.t, listen)
		s.guests[listen] = guest
		p.onExit = guest.Close
	case "crosvm":
		p.ignoreTerm = s.hvIgnoresTerm
		guest := s.guests[s.paths.Instance(argAfter(cmd.Args, "--name")).ControlSocket]
		if guest != nil {
			guest.SetReady(s.bootReady)
			guest.OnShutdown(func() {
				guest.SetReady(false)
				p.exit(true)
			})
		}
	}
	s.procs[cmd.Name] = append(s.procs[cmd.Name], p)
	return p, nil
}

func (s *fakeSpawner) WaitForPath(ctx context.Context, path string, interval time.Duration) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *fakeSpawner) WaylandSocket() (string, error) {
	return "/run/user/1000/wayland-0", nil
}

func (s *fakeSpawner) Commands() []host.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]host.Command(nil), s.commands...)
}

// Process returns the i-th process spawned under name.
func (s *fakeSpawner) Process(name string, i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.procs[name]) {
		return nil
	}
	return s.procs[name][i]
}

// Guest returns the fake guest behind vm's control socket.
func (s *fakeSpawner) Guest(vm string) *testutil.FakeGuest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guests[s.paths.Instance(vm).ControlSocket]
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
