package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
	ErrMissingDisk        = errors.New("hypervisor: disk path is required")
	ErrInvalidCID         = errors.New("hypervisor: vsock CID must be at least 10")
	ErrMissingNetSocket   = errors.New("hypervisor: network proxy socket is required")
)

// Bridge errors
var (
	ErrMissingSocket = errors.New("hypervisor: bridge socket path is required")
)
