// Package bridge exposes a guest's vsock control port as a unix socket
// on the host. It is the in-process alternative to running socat.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/mdlayher/vsock"
)

// DialFunc opens a connection to the guest.
type DialFunc func(ctx context.Context) (net.Conn, error)

// VsockDialer returns a DialFunc connecting to port on the guest with cid.
func VsockDialer(cid, port uint32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// Bridge forwards connections on a unix socket to the guest.
type Bridge struct {
	// SocketPath is the unix socket to listen on. A stale file at the
	// path is removed first.
	SocketPath string

	// Dial connects to the guest for each accepted connection.
	Dial DialFunc

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events are logged at Debug level.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Start binds the socket and serves in the background until Stop is
// called or ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.SocketPath == "" {
		return errors.New("bridge: SocketPath is required")
	}
	if b.Dial == nil {
		return errors.New("bridge: Dial is required")
	}

	if err := os.Remove(b.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bridge: remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", b.SocketPath)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", b.SocketPath, err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("bridge started", "socket_path", b.SocketPath)
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

// Done is closed once the bridge has fully stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) acceptLoop(ctx context.Context) {
	defer os.Remove(b.SocketPath)
	var connectionCount int64

	for {
		connection, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.connections.Wait()
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		connectionCount++
		connectionID := connectionCount
		b.connections.Add(1)
		go func() {
			defer b.connections.Done()
			b.handleConnection(ctx, connection, connectionID)
		}()
	}
}

// halfCloser is implemented by *net.UnixConn and *vsock.Conn.
type halfCloser interface {
	CloseWrite() error
}

func (b *Bridge) handleConnection(ctx context.Context, hostConnection net.Conn, connectionID int64) {
	defer hostConnection.Close()

	logger := b.logger().With("connection_id", connectionID)
	logger.Debug("connection accepted")

	guestConnection, err := b.Dial(ctx)
	if err != nil {
		logger.Debug("failed to connect to guest", "error", err)
		return
	}
	defer guestConnection.Close()

	stop := context.AfterFunc(ctx, func() {
		hostConnection.Close()
		guestConnection.Close()
	})
	defer stop()

	var waitGroup sync.WaitGroup
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		pipe(logger, "host->guest", guestConnection, hostConnection)
	}()
	go func() {
		defer waitGroup.Done()
		pipe(logger, "guest->host", hostConnection, guestConnection)
	}()
	waitGroup.Wait()

	logger.Debug("connection closed")
}

func pipe(logger *slog.Logger, direction string, dst, src net.Conn) {
	bytesCopied, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("copy error", "direction", direction, "bytes_copied", bytesCopied, "error", err)
	}
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
}
