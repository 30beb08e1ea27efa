package vm

import (
	"context"
	"os"
	"time"

	"github.com/javanstorm/bubbles/internal/bridge"
	"github.com/javanstorm/bubbles/internal/host"
)

// Process is a running child as the state machine sees it.
// *host.Process implements it.
type Process interface {
	Wait(ctx context.Context) error
	Signal(sig os.Signal)
	Done() <-chan struct{}
	Success() bool
}

// Spawner starts processes and watches host paths.
type Spawner interface {
	Spawn(cmd host.Command) (Process, error)
	WaitForPath(ctx context.Context, path string, interval time.Duration) error
	WaylandSocket() (string, error)
}

// NewSpawner adapts a launcher to Spawner.
func NewSpawner(l *host.Launcher) Spawner {
	return launcherSpawner{l}
}

type launcherSpawner struct {
	*host.Launcher
}

func (s launcherSpawner) Spawn(cmd host.Command) (Process, error) {
	p, err := s.Launcher.Spawn(cmd)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// bridgeProcess presents an in-process bridge as a Process so teardown
// treats it like socat.
type bridgeProcess struct {
	b *bridge.Bridge
}

func (p bridgeProcess) Wait(ctx context.Context) error {
	select {
	case <-p.b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p bridgeProcess) Signal(os.Signal) {
	go p.b.Stop()
}

func (p bridgeProcess) Done() <-chan struct{} {
	return p.b.Done()
}

func (p bridgeProcess) Success() bool {
	return true
}
