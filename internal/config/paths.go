// Package config provides configuration management for bubbles.
package config

import (
	"errors"
	"os"
	"path/filepath"
)

// Paths holds the on-disk layout rooted at the data directory.
type Paths struct {
	// DataDir is the data root.
	// Default: $XDG_DATA_HOME/bubbles, or ~/.local/share/bubbles
	DataDir string

	// ConfigDir is an additional location searched for config.yaml.
	// Default: $XDG_CONFIG_HOME/bubbles, or ~/.config/bubbles
	ConfigDir string

	// RuntimeTmp holds per-VM network proxy sockets. It is shared with
	// the host, so it must not be a sandbox-private directory.
	RuntimeTmp string
}

// TemplatePaths are the files of the shared template image.
type TemplatePaths struct {
	Dir    string
	Disk   string
	Qcow2  string
	Kernel string
	Initrd string
	Marker string
	// Lock sits beside Dir so a pull can replace the directory.
	Lock string
}

// InstancePaths are the files owned by one VM. Every path derives
// from the VM name.
type InstancePaths struct {
	Name             string
	Dir              string
	Disk             string
	Kernel           string
	Initrd           string
	ControlSocket    string
	HypervisorSocket string
	NetSocket        string
	Metadata         string
	PIDFile          string
}

// GetPaths returns the default paths, honoring XDG base directories.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{RuntimeTmp: os.TempDir()}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		p.DataDir = filepath.Join(xdgData, "bubbles")
	} else {
		p.DataDir = filepath.Join(home, ".local", "share", "bubbles")
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		p.ConfigDir = filepath.Join(xdgConfig, "bubbles")
	} else {
		p.ConfigDir = filepath.Join(home, ".config", "bubbles")
	}

	return p, nil
}

// ImagesDir returns the directory holding template images.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.DataDir, "images")
}

// VMsDir returns the directory holding VM working directories.
func (p *Paths) VMsDir() string {
	return filepath.Join(p.DataDir, "vms")
}

// VMListLock is flocked shared by every run and exclusively by create,
// since CIDs follow the order of VMsDir.
func (p *Paths) VMListLock() string {
	return filepath.Join(p.DataDir, "vms.lock")
}

// Template returns the layout of the named template image.
func (p *Paths) Template(name string) TemplatePaths {
	dir := filepath.Join(p.ImagesDir(), name)
	return TemplatePaths{
		Dir:    dir,
		Disk:   filepath.Join(dir, "disk.img"),
		Qcow2:  filepath.Join(dir, "disk.qcow2"),
		Kernel: filepath.Join(dir, "vmlinuz"),
		Initrd: filepath.Join(dir, "initrd.img"),
		Marker: filepath.Join(dir, ".complete"),
		Lock:   dir + ".lock",
	}
}

// Instance returns the layout of the named VM.
func (p *Paths) Instance(name string) InstancePaths {
	dir := filepath.Join(p.VMsDir(), name)
	return InstancePaths{
		Name:             name,
		Dir:              dir,
		Disk:             filepath.Join(dir, "disk.img"),
		Kernel:           filepath.Join(dir, "vmlinuz"),
		Initrd:           filepath.Join(dir, "initrd.img"),
		ControlSocket:    filepath.Join(dir, "vsock"),
		HypervisorSocket: filepath.Join(dir, "crosvm_socket"),
		NetSocket:        filepath.Join(p.RuntimeTmp, "passt_socket_"+name),
		Metadata:         filepath.Join(dir, "bubble.yaml"),
		PIDFile:          filepath.Join(dir, "bubbles.pid"),
	}
}

// EnsureDirectories creates the images and vms directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if p.DataDir == "" {
		return errors.New("config: data directory is not set")
	}
	if err := os.MkdirAll(p.ImagesDir(), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(p.VMsDir(), 0755); err != nil {
		return err
	}
	return nil
}
