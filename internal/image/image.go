// Package image provisions the shared template image that every VM is
// cloned from.
//
// The template is pulled as an OCI artifact, its qcow2 disk is converted
// to raw and grown, and a completion marker is written last. A template
// directory without the marker is treated as absent.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/config"
	"github.com/javanstorm/bubbles/internal/host"
)

// DefaultGrowBytes is added to the converted disk.
const DefaultGrowBytes = 15 * 1024 * 1024 * 1024

var (
	// ErrInProgress is returned when a provisioning run is already active
	// in this process or another one.
	ErrInProgress = errors.New("image: provisioning already in progress")

	// ErrMissingDisk is returned when the pulled artifact has no qcow2 disk.
	ErrMissingDisk = errors.New("image: artifact has no disk.qcow2")
)

// Status is the template image state.
type Status int

const (
	StatusNotPresent Status = iota
	StatusDownloading
	StatusPresent
)

func (s Status) String() string {
	switch s {
	case StatusNotPresent:
		return "not present"
	case StatusDownloading:
		return "downloading"
	case StatusPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Probe reports whether the template at paths is complete.
func Probe(paths config.TemplatePaths) Status {
	if info, err := os.Stat(paths.Dir); err != nil || !info.IsDir() {
		return StatusNotPresent
	}
	if _, err := os.Stat(paths.Marker); err != nil {
		return StatusNotPresent
	}
	return StatusPresent
}

// Runner runs a command to completion. *host.Launcher implements it.
type Runner interface {
	Run(ctx context.Context, cmd host.Command) error
}

// Pipeline fetches and prepares the template image.
type Pipeline struct {
	Runner    Runner
	Paths     config.TemplatePaths
	Reference string
	GrowBytes int64
	Binaries  config.Binaries
	Logger    *slog.Logger
}

// NewPipeline builds a pipeline for the configured template.
func NewPipeline(cfg *config.Config, runner Runner, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Runner:    runner,
		Paths:     cfg.Paths().Template(cfg.TemplateName),
		Reference: cfg.ImageReference,
		GrowBytes: cfg.GrowBytes,
		Binaries:  cfg.Binaries,
		Logger:    logger,
	}
}

// Provision pulls, converts and grows the template. Any step failing
// aborts the run and leaves the marker unwritten.
func (p *Pipeline) Provision(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("template", p.Paths.Dir)

	if err := os.MkdirAll(p.Paths.Dir, 0755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}
	// A rerun starts from scratch.
	if err := os.Remove(p.Paths.Marker); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker: %w", err)
	}

	logger.Info("pulling image", "reference", p.Reference)
	pull := host.Command{
		Name:      binary(p.Binaries.Oras, "oras"),
		Args:      []string{"pull", p.Reference, "--output", p.Paths.Dir},
		Placement: host.InSandbox,
	}
	if err := p.Runner.Run(ctx, pull); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	if _, err := os.Stat(p.Paths.Qcow2); err != nil {
		return ErrMissingDisk
	}

	logger.Info("converting disk")
	convert := host.Command{
		Name:      binary(p.Binaries.QemuImg, "qemu-img"),
		Args:      []string{"convert", "-f", "qcow2", "-O", "raw", p.Paths.Qcow2, p.Paths.Disk},
		Placement: host.InSandbox,
	}
	if err := p.Runner.Run(ctx, convert); err != nil {
		return fmt.Errorf("convert disk: %w", err)
	}
	if err := os.Remove(p.Paths.Qcow2); err != nil {
		return fmt.Errorf("remove qcow2: %w", err)
	}

	size, err := Grow(p.Paths.Disk, p.GrowBytes)
	if err != nil {
		return err
	}
	logger.Info("disk grown", "bytes", size)

	if err := os.WriteFile(p.Paths.Marker, nil, 0644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// Grow extends the file at path by n bytes without allocating them and
// returns the new size.
func Grow(path string, n int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open disk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat disk: %w", err)
	}
	size := info.Size() + n
	if err := f.Truncate(size); err != nil {
		return 0, fmt.Errorf("grow disk: %w", err)
	}
	return size, nil
}

func binary(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Provisioner is what a Tracker drives.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Tracker holds the process-wide template status and serializes
// provisioning runs.
type Tracker struct {
	paths       config.TemplatePaths
	provisioner Provisioner

	mu     sync.Mutex
	status Status
}

// NewTracker probes the template once and returns a tracker for it.
func NewTracker(paths config.TemplatePaths, provisioner Provisioner) *Tracker {
	return &Tracker{
		paths:       paths,
		provisioner: provisioner,
		status:      Probe(paths),
	}
}

// Status returns the current state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Provision runs the provisioner unless one is already running, here or
// in another bubbles process holding the template lock. The status is
// re-probed from disk afterwards whatever the outcome.
func (t *Tracker) Provision(ctx context.Context) error {
	t.mu.Lock()
	if t.status == StatusDownloading {
		t.mu.Unlock()
		return ErrInProgress
	}
	t.status = StatusDownloading
	t.mu.Unlock()

	unlock, err := lockTemplate(t.paths.Lock)
	if err != nil {
		t.mu.Lock()
		t.status = Probe(t.paths)
		t.mu.Unlock()
		return err
	}
	defer unlock()

	err = t.provisioner.Provision(ctx)

	t.mu.Lock()
	t.status = Probe(t.paths)
	t.mu.Unlock()
	return err
}

// lockTemplate takes an exclusive, non-blocking flock on path. The lock
// is released by the returned function or when the process exits.
func lockTemplate(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open template lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("lock template: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
