// Package instance creates and lists VM working directories.
package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/bubbles/internal/config"
)

var (
	// ErrInvalidName is returned for names that cannot be a directory name.
	ErrInvalidName = errors.New("instance: invalid name")

	// ErrExists is returned when a VM directory with the name already exists.
	ErrExists = errors.New("instance: already exists")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,47}$`)

// ValidateName checks that name can key a VM directory and its sockets.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Metadata is stored as bubble.yaml in the VM directory.
type Metadata struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	Template       string    `yaml:"template"`
	ImageReference string    `yaml:"image_reference"`
	CreatedAt      time.Time `yaml:"created_at"`

	// LastBoot is when the VM was last started.
	LastBoot time.Time `yaml:"last_boot,omitempty"`

	// LastShutdown is when the VM last stopped.
	LastShutdown time.Time `yaml:"last_shutdown,omitempty"`

	BootCount int `yaml:"boot_count"`

	// CleanShutdown is true when the guest last powered off on request.
	CleanShutdown bool `yaml:"clean_shutdown"`
}

// Provisioner clones the template into new VM directories.
type Provisioner struct {
	paths    *config.Paths
	template string
	ref      string
	logger   *slog.Logger
}

// NewProvisioner creates a provisioner for cfg's template.
func NewProvisioner(cfg *config.Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		paths:    cfg.Paths(),
		template: cfg.TemplateName,
		ref:      cfg.ImageReference,
		logger:   logger,
	}
}

// Create makes vms/<name> and copies the template disk, kernel and
// initrd into it. The template must already be present; a partial copy
// is left in place on failure.
func (p *Provisioner) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	inst := p.paths.Instance(name)
	tpl := p.paths.Template(p.template)

	if _, err := os.Stat(inst.Dir); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err := os.MkdirAll(inst.Dir, 0755); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}

	logger := p.logger.With("vm", name)
	logger.Info("copying template")
	start := time.Now()

	copies := []struct{ src, dst string }{
		{tpl.Disk, inst.Disk},
		{tpl.Kernel, inst.Kernel},
		{tpl.Initrd, inst.Initrd},
	}
	for _, c := range copies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := CopyFile(c.src, c.dst); err != nil {
			return fmt.Errorf("copy %s: %w", c.src, err)
		}
	}

	meta := &Metadata{
		ID:             uuid.NewString(),
		Name:           name,
		Template:       p.template,
		ImageReference: p.ref,
		CreatedAt:      time.Now().UTC(),
	}
	if err := SaveMetadata(inst.Metadata, meta); err != nil {
		return err
	}

	logger.Info("vm created", "id", meta.ID, "elapsed", time.Since(start))
	return nil
}

// CopyFile copies src to dst, sharing extents with a reflink when the
// filesystem supports it.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
		return out.Close()
	}

	// *os.File.ReadFrom uses copy_file_range on Linux.
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// List returns the VM directory names under vmsDir, sorted. A missing
// directory yields an empty list.
func List(vmsDir string) ([]string, error) {
	entries, err := os.ReadDir(vmsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vms dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadMetadata reads bubble.yaml at path. VMs created without metadata
// get a zero Metadata carrying only what can be derived.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// SaveMetadata writes meta to path atomically.
func SaveMetadata(path string, meta *Metadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// RecordBoot updates the metadata at path for a new boot.
func RecordBoot(path string) error {
	meta, err := LoadMetadata(path)
	if err != nil {
		return err
	}
	meta.LastBoot = time.Now().UTC()
	meta.BootCount++
	meta.CleanShutdown = false
	return SaveMetadata(path, meta)
}

// RecordShutdown updates the metadata at path after the VM stopped.
func RecordShutdown(path string, clean bool) error {
	meta, err := LoadMetadata(path)
	if err != nil {
		return err
	}
	meta.LastShutdown = time.Now().UTC()
	meta.CleanShutdown = clean
	return SaveMetadata(path, meta)
}
