package testutil

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// FakeGuest serves the guest control endpoint on a unix socket, standing
// in for the bridge plus the agent inside the VM.
type FakeGuest struct {
	listener net.Listener
	ready    atomic.Bool

	mu         sync.Mutex
	requests   []string
	onShutdown func()
	onTerminal func()

	wg sync.WaitGroup
}

// StartFakeGuest listens on socketPath until the test ends. The guest
// starts out not ready.
func StartFakeGuest(t *testing.T, socketPath string) *FakeGuest {
	t.Helper()

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", socketPath, err)
	}
	g := &FakeGuest{listener: l}
	g.wg.Add(1)
	go g.serve()
	t.Cleanup(g.Close)
	return g
}

// SetReady controls the /ready answer.
func (g *FakeGuest) SetReady(ready bool) {
	g.ready.Store(ready)
}

// OnShutdown registers f to run on each /shutdown request.
func (g *FakeGuest) OnShutdown(f func()) {
	g.mu.Lock()
	g.onShutdown = f
	g.mu.Unlock()
}

// OnTerminal registers f to run on each /spawn-terminal request.
func (g *FakeGuest) OnTerminal(f func()) {
	g.mu.Lock()
	g.onTerminal = f
	g.mu.Unlock()
}

// Requests returns the raw request texts received so far.
func (g *FakeGuest) Requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.requests...)
}

// Count returns how many requests targeted path.
func (g *FakeGuest) Count(path string) int {
	n := 0
	for _, r := range g.Requests() {
		fields := strings.Fields(r)
		if len(fields) >= 2 && fields[1] == path {
			n++
		}
	}
	return n
}

// Close stops the listener and waits for in-flight connections.
func (g *FakeGuest) Close() {
	g.listener.Close()
	g.wg.Wait()
}

func (g *FakeGuest) serve() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer conn.Close()
			g.handle(conn)
		}()
	}
}

func (g *FakeGuest) handle(conn net.Conn) {
	var raw strings.Builder
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		raw.WriteString(line)
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}
	request := raw.String()

	g.mu.Lock()
	g.requests = append(g.requests, request)
	onShutdown, onTerminal := g.onShutdown, g.onTerminal
	g.mu.Unlock()

	var path string
	if fields := strings.Fields(request); len(fields) >= 2 {
		path = fields[1]
	}

	status := "404 Not Found"
	switch path {
	case "/ready":
		status = "503 Service Unavailable"
		if g.ready.Load() {
			status = "200 OK"
		}
	case "/shutdown":
		status = "200 OK"
		if onShutdown != nil {
			defer onShutdown()
		}
	case "/spawn-terminal":
		status = "200 OK"
		if onTerminal != nil {
			defer onTerminal()
		}
	}
	conn.Write([]byte("HTTP/1.0 " + status + "\r\nContent-Length: 0\r\n\r\n"))
}
