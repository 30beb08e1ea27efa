// Package hypervisor builds the command lines of the processes that make
// up a running VM: the passt network proxy, the socat guest-socket bridge
// and crosvm itself.
package hypervisor

import "fmt"

const (
	// FirstCID is the vsock context id of the VM at registry position 0.
	// CIDs 0-2 are reserved by the vsock address family.
	FirstCID = 10

	// GuestControlPort is the vsock port the guest agent listens on.
	GuestControlPort = 11111
)

// CIDForIndex maps a registry position to a vsock context id.
func CIDForIndex(index int) uint32 {
	return uint32(index) + FirstCID
}

// PasstArgs returns the passt argv serving vhost-user on socket in the
// foreground.
func PasstArgs(socket string) []string {
	return []string{"-f", "--vhost-user", "--socket", socket}
}

// SocatArgs returns the socat argv that forwards every connection on the
// unix socket listen to port on the guest with the given CID.
func SocatArgs(listen string, cid, port uint32) ([]string, error) {
	if listen == "" {
		return nil, ErrMissingSocket
	}
	if cid < FirstCID {
		return nil, ErrInvalidCID
	}
	return []string{
		fmt.Sprintf("UNIX-LISTEN:%s,fork", listen),
		fmt.Sprintf("VSOCK-CONNECT:%d:%d", cid, port),
	}, nil
}
