package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sandbox modes.
const (
	SandboxAuto = "auto"
	SandboxOn   = "on"
	SandboxOff  = "off"
)

// Guest-socket bridge implementations.
const (
	BridgeSocat  = "socat"
	BridgeNative = "native"
)

// DefaultImageReference is the content-addressed template artifact.
const DefaultImageReference = "ghcr.io/gonicus/bubbles/vm-image:e289a3a5479817c3ffad6bb62d8214e4265e8e4b"

// Binaries names the external programs bubbles delegates to.
type Binaries struct {
	Oras    string `mapstructure:"oras"`
	QemuImg string `mapstructure:"qemu_img"`
	Passt   string `mapstructure:"passt"`
	Socat   string `mapstructure:"socat"`
	Crosvm  string `mapstructure:"crosvm"`
}

// Config holds all bubbles configuration.
type Config struct {
	// DataDir is the data root holding images/ and vms/.
	DataDir string `mapstructure:"data_dir"`

	// RuntimeTmp is where network proxy sockets are created.
	RuntimeTmp string `mapstructure:"runtime_tmp"`

	// TemplateName is the directory name of the template under images/.
	TemplateName string `mapstructure:"template_name"`

	// ImageReference is the artifact pulled into the template directory.
	ImageReference string `mapstructure:"image_reference"`

	// GrowBytes is added to the converted raw disk.
	GrowBytes int64 `mapstructure:"grow_bytes"`

	// CPUs is the number of guest cores.
	CPUs int `mapstructure:"cpus"`

	// MemoryMB is guest memory in MiB.
	MemoryMB int `mapstructure:"memory_mb"`

	// KernelCmdline is passed to the guest kernel.
	KernelCmdline string `mapstructure:"kernel_cmdline"`

	// GPUContext is the crosvm --gpu parameter string.
	GPUContext string `mapstructure:"gpu_context"`

	// PollInterval spaces readiness and path polling.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Sandbox selects relay mode: auto, on or off.
	Sandbox string `mapstructure:"sandbox"`

	// Bridge selects the guest-socket bridge: socat or native.
	Bridge string `mapstructure:"bridge"`

	// Binaries overrides executable names.
	Binaries Binaries `mapstructure:"binaries"`
}

// DefaultConfig returns a Config with the stock bubbles settings.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{DataDir: "/tmp/bubbles", RuntimeTmp: "/tmp"}
	}

	return &Config{
		DataDir:        paths.DataDir,
		RuntimeTmp:     paths.RuntimeTmp,
		TemplateName:   "debian-13",
		ImageReference: DefaultImageReference,
		GrowBytes:      15 * 1024 * 1024 * 1024,
		CPUs:           4,
		MemoryMB:       7000,
		KernelCmdline:  "root=/dev/vda2",
		GPUContext:     "context-types=cross-domain,displays=[]",
		PollInterval:   500 * time.Millisecond,
		Sandbox:        SandboxAuto,
		Bridge:         BridgeSocat,
		Binaries: Binaries{
			Oras:    "oras",
			QemuImg: "qemu-img",
			Passt:   "passt",
			Socat:   "socat",
			Crosvm:  "crosvm",
		},
	}
}

// Load reads configuration from defaults, config.yaml and BUBBLES_* environment
// variables. A missing config file is not an error.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}
	return load(viper.New(), paths.DataDir, paths.ConfigDir)
}

func load(v *viper.Viper, searchDirs ...string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("runtime_tmp", defaults.RuntimeTmp)
	v.SetDefault("template_name", defaults.TemplateName)
	v.SetDefault("image_reference", defaults.ImageReference)
	v.SetDefault("grow_bytes", defaults.GrowBytes)
	v.SetDefault("cpus", defaults.CPUs)
	v.SetDefault("memory_mb", defaults.MemoryMB)
	v.SetDefault("kernel_cmdline", defaults.KernelCmdline)
	v.SetDefault("gpu_context", defaults.GPUContext)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("sandbox", defaults.Sandbox)
	v.SetDefault("bridge", defaults.Bridge)
	v.SetDefault("binaries.oras", defaults.Binaries.Oras)
	v.SetDefault("binaries.qemu_img", defaults.Binaries.QemuImg)
	v.SetDefault("binaries.passt", defaults.Binaries.Passt)
	v.SetDefault("binaries.socat", defaults.Binaries.Socat)
	v.SetDefault("binaries.crosvm", defaults.Binaries.Crosvm)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range searchDirs {
		v.AddConfigPath(dir)
	}

	// BUBBLES_DATA_DIR, BUBBLES_BINARIES_CROSVM, etc.
	v.SetEnvPrefix("BUBBLES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Paths returns the filesystem layout this configuration points at.
func (c *Config) Paths() *Paths {
	p := &Paths{DataDir: c.DataDir, RuntimeTmp: c.RuntimeTmp}
	if defaults, err := GetPaths(); err == nil {
		p.ConfigDir = defaults.ConfigDir
	}
	return p
}
