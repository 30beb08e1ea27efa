// Package vm runs VMs and tracks their lifecycle.
//
// A Machine drives one start sequence: network proxy, guest-socket
// bridge, hypervisor, readiness poll, then supervision until the
// hypervisor exits. The Registry owns the ordered list of VMs and is the
// only writer of their status; every mutation goes through its actor
// goroutine.
package vm

import (
	"errors"

	"github.com/javanstorm/bubbles/pkg/hypervisor"
)

// Status is the lifecycle state of one VM.
type Status int

const (
	StatusNotRunning Status = iota
	StatusInFlux            // Starting or stopping
	StatusRunning           // Guest reported ready
)

func (s Status) String() string {
	switch s {
	case StatusNotRunning:
		return "stopped"
	case StatusInFlux:
		return "working"
	case StatusRunning:
		return "running"
	default:
		return "unknown"
	}
}

// CID returns the vsock context id of the VM at registry position index.
func CID(index int) uint32 {
	return hypervisor.CIDForIndex(index)
}

var (
	ErrNotFound   = errors.New("vm: no such vm")
	ErrDuplicate  = errors.New("vm: name already registered")
	ErrStale      = errors.New("vm: index no longer holds that vm")
	ErrBusy       = errors.New("vm: a vm is not stopped")
	ErrNotRunning = errors.New("vm: not running")
	ErrClosed     = errors.New("vm: registry closed")

	// ErrAborted is attached to a VM whose sequence was killed.
	ErrAborted = errors.New("vm: start sequence aborted")

	// ErrHypervisorFailed is attached when the hypervisor exits unsuccessfully.
	ErrHypervisorFailed = errors.New("vm: hypervisor exited with failure")
)

// Entry is one VM as seen by the registry. Its position in the registry
// is its index.
type Entry struct {
	Name   string
	Status Status

	// Err is the error that ended the last session, if any.
	Err error
}

// Event reports a status change.
type Event struct {
	Index  int
	Name   string
	Status Status
	Err    error
}
