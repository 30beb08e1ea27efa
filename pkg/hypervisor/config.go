package hypervisor

import "strconv"

// VMConfig holds the crosvm parameters for one VM.
type VMConfig struct {
	// Name is passed to --name and identifies the VM in crosvm's output.
	Name string

	// CPUs is the number of virtual CPUs.
	CPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Kernel is the path to the Linux kernel image.
	Kernel string

	// Initrd is the path to the initial ramdisk (optional).
	Initrd string

	// Cmdline is the kernel command line.
	Cmdline string

	// DiskPath is the path to the writable root disk image.
	DiskPath string

	// ControlSocket is crosvm's own management socket.
	ControlSocket string

	// CID is the guest's vsock context id.
	CID uint32

	// GPU is the --gpu parameter string. Empty disables the GPU device.
	GPU string

	// WaylandSocket is the host compositor socket. Empty omits it.
	WaylandSocket string

	// NetSocket is the vhost-user socket of the network proxy.
	NetSocket string
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.Kernel == "" {
		return ErrMissingKernel
	}
	if c.DiskPath == "" {
		return ErrMissingDisk
	}
	if c.CID < FirstCID {
		return ErrInvalidCID
	}
	if c.NetSocket == "" {
		return ErrMissingNetSocket
	}
	return nil
}

// Args returns the crosvm argv after the executable name. The kernel
// path is always last.
func (c *VMConfig) Args() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	args := []string{"run"}
	if c.Name != "" {
		args = append(args, "--name", c.Name)
	}
	args = append(args,
		"--cpus", "num-cores="+strconv.Itoa(c.CPUs),
		"-m", strconv.Itoa(c.MemoryMB),
		"--rwdisk", c.DiskPath,
	)
	if c.Initrd != "" {
		args = append(args, "--initrd", c.Initrd)
	}
	if c.ControlSocket != "" {
		args = append(args, "--socket", c.ControlSocket)
	}
	args = append(args, "--vsock", strconv.FormatUint(uint64(c.CID), 10))
	if c.GPU != "" {
		args = append(args, "--gpu", c.GPU)
	}
	if c.WaylandSocket != "" {
		args = append(args, "--wayland-sock", c.WaylandSocket)
	}
	args = append(args, "--vhost-user", "net,socket="+c.NetSocket)
	if c.Cmdline != "" {
		args = append(args, "-p", c.Cmdline)
	}
	return append(args, c.Kernel), nil
}
