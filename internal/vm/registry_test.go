package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T, names ...string) (*Registry, *fakeSpawner) {
	t.Helper()

	cfg := testutil.TestConfig(t)
	spawner := newFakeSpawner(t)
	spawner.paths = cfg.Paths()

	opts := OptionsFromConfig(cfg, spawner, testLogger())
	opts.StopTimeout = time.Second

	r := NewRegistry(opts, names)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r, spawner
}

func waitStatus(t *testing.T, r *Registry, name string, want Status) Entry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		entry, _, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if entry.Status == want {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s status = %v, want %v", name, entry.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusNotRunning, "stopped"},
		{StatusInFlux, "working"},
		{StatusRunning, "running"},
		{Status(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCID(t *testing.T) {
	for i, want := range []uint32{10, 11, 12} {
		if got := CID(i); got != want {
			t.Errorf("CID(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestToggleStartsVM(t *testing.T) {
	r, spawner := testRegistry(t, "a", "b", "c")

	if err := r.Toggle("b"); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	// InFlux is visible as soon as Toggle returns.
	if got := r.Entries()[1].Status; got != StatusInFlux && got != StatusRunning {
		t.Fatalf("status after Toggle = %v, want working", got)
	}

	waitStatus(t, r, "b", StatusRunning)

	cmds := spawner.Commands()
	var names []string
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	if want := []string{"passt", "socat", "crosvm"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("spawn order = %v, want %v", names, want)
	}

	inst := spawner.paths.Instance("b")
	wantSocat := []string{"UNIX-LISTEN:" + inst.ControlSocket + ",fork", "VSOCK-CONNECT:11:11111"}
	if !reflect.DeepEqual(cmds[1].Args, wantSocat) {
		t.Errorf("socat args = %v, want %v", cmds[1].Args, wantSocat)
	}
	if got := argAfter(cmds[0].Args, "--socket"); got != inst.NetSocket {
		t.Errorf("passt socket = %q, want %q", got, inst.NetSocket)
	}

	hv := cmds[2].Args
	checks := map[string]string{
		"--vsock":        "11",
		"--cpus":         "num-cores=4",
		"-m":             "7000",
		"--rwdisk":       inst.Disk,
		"--gpu":          "context-types=cross-domain,displays=[]",
		"--wayland-sock": "/run/user/1000/wayland-0",
		"--vhost-user":   "net,socket=" + inst.NetSocket,
		"-p":             "root=/dev/vda2",
	}
	for flag, want := range checks {
		if got := argAfter(hv, flag); got != want {
			t.Errorf("crosvm %s = %q, want %q", flag, got, want)
		}
	}
	if hv[len(hv)-1] != inst.Kernel {
		t.Errorf("crosvm last arg = %q, want kernel", hv[len(hv)-1])
	}

	for _, name := range []string{"a", "c"} {
		if e, _, _ := r.Get(name); e.Status != StatusNotRunning {
			t.Errorf("%s status = %v, want stopped", name, e.Status)
		}
	}
}

func TestRunningOnlyAfterGuestReady(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	spawner.bootReady = false

	if err := r.Toggle("a"); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	waitFor(t, "readiness polls", func() bool {
		g := spawner.Guest("a")
		return g != nil && g.Count("/ready") >= 3
	})
	if e, _, _ := r.Get("a"); e.Status != StatusInFlux {
		t.Fatalf("status = %v before guest is ready, want working", e.Status)
	}

	spawner.Guest("a").SetReady(true)
	waitStatus(t, r, "a", StatusRunning)
}

func TestToggleStopsVM(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)

	if err := r.Toggle("a"); err != nil {
		t.Fatalf("Toggle (stop) failed: %v", err)
	}
	entry := waitStatus(t, r, "a", StatusNotRunning)
	if entry.Err != nil {
		t.Errorf("clean shutdown left error %v", entry.Err)
	}

	for _, name := range []string{"passt", "socat"} {
		p := spawner.Process(name, 0)
		if !slices.Contains(p.Signals(), os.Signal(unix.SIGTERM)) {
			t.Errorf("%s was not sent SIGTERM: %v", name, p.Signals())
		}
		select {
		case <-p.Done():
		default:
			t.Errorf("%s was not reaped", name)
		}
	}
	if hv := spawner.Process("crosvm", 0); !hv.Success() {
		t.Error("hypervisor should have exited cleanly")
	}
}

func TestRestartAfterStop(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	for i := 0; i < 2; i++ {
		r.Toggle("a")
		waitStatus(t, r, "a", StatusRunning)
		r.Toggle("a")
		waitStatus(t, r, "a", StatusNotRunning)
	}
	if p := spawner.Process("crosvm", 1); p == nil {
		t.Error("second start did not spawn the hypervisor")
	}
}

func TestIgnoredShutdownKeepsRunning(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)

	guest := spawner.Guest("a")
	guest.OnShutdown(func() {})

	if err := r.Toggle("a"); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	waitFor(t, "shutdown request", func() bool { return guest.Count("/shutdown") == 1 })

	time.Sleep(50 * time.Millisecond)
	if e, _, _ := r.Get("a"); e.Status != StatusRunning {
		t.Errorf("status = %v, want running when the guest ignores shutdown", e.Status)
	}
}

func TestKillAborts(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)
	spawner.Guest("a").OnShutdown(func() {})

	if err := r.Kill("a"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	entry := waitStatus(t, r, "a", StatusNotRunning)
	if !errors.Is(entry.Err, ErrAborted) {
		t.Errorf("Err = %v, want ErrAborted", entry.Err)
	}

	hv := spawner.Process("crosvm", 0)
	if sigs := hv.Signals(); len(sigs) == 0 || sigs[0] != unix.SIGTERM {
		t.Errorf("hypervisor signals = %v, want SIGTERM", sigs)
	}

	if err := r.Kill("a"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Kill on stopped vm = %v, want ErrNotRunning", err)
	}
}

func TestKillDuringReadinessPoll(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	spawner.bootReady = false

	r.Toggle("a")
	waitFor(t, "hypervisor", func() bool { return spawner.Process("crosvm", 0) != nil })

	r.Kill("a")
	entry := waitStatus(t, r, "a", StatusNotRunning)
	if !errors.Is(entry.Err, ErrAborted) {
		t.Errorf("Err = %v, want ErrAborted", entry.Err)
	}
	for _, name := range []string{"passt", "socat", "crosvm"} {
		select {
		case <-spawner.Process(name, 0).Done():
		default:
			t.Errorf("%s still running after kill", name)
		}
	}
}

func TestKillEscalatesToSIGKILL(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	r.opts.StopTimeout = 50 * time.Millisecond
	spawner.hvIgnoresTerm = true

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)
	spawner.Guest("a").OnShutdown(func() {})

	r.Kill("a")
	waitStatus(t, r, "a", StatusNotRunning)

	sigs := spawner.Process("crosvm", 0).Signals()
	if !reflect.DeepEqual(sigs, []os.Signal{unix.SIGTERM, unix.SIGKILL}) {
		t.Errorf("hypervisor signals = %v, want SIGTERM then SIGKILL", sigs)
	}
}

func TestSpawnFailureStopsVM(t *testing.T) {
	tests := []struct {
		failOn  string
		started []string
	}{
		{"passt", nil},
		{"socat", []string{"passt"}},
		{"crosvm", []string{"passt", "socat"}},
	}

	for _, tt := range tests {
		t.Run(tt.failOn, func(t *testing.T) {
			r, spawner := testRegistry(t, "a")
			spawner.failOn = tt.failOn

			r.Toggle("a")
			entry := waitStatus(t, r, "a", StatusNotRunning)
			if entry.Err == nil {
				t.Fatal("spawn failure should be attached to the entry")
			}
			for _, name := range tt.started {
				select {
				case <-spawner.Process(name, 0).Done():
				default:
					t.Errorf("%s not reaped after failure", name)
				}
			}
		})
	}
}

func TestProxyExitBeforeSocket(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	spawner.noNetSocket = true

	r.Toggle("a")
	waitFor(t, "proxy", func() bool { return spawner.Process("passt", 0) != nil })
	spawner.Process("passt", 0).exit(false)

	entry := waitStatus(t, r, "a", StatusNotRunning)
	if entry.Err == nil || errors.Is(entry.Err, ErrAborted) {
		t.Errorf("Err = %v, want proxy exit error", entry.Err)
	}
	if p := spawner.Process("crosvm", 0); p != nil {
		t.Error("hypervisor must not start without the network socket")
	}
}

func TestHypervisorCrashDuringBoot(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	spawner.bootReady = false

	r.Toggle("a")
	waitFor(t, "hypervisor", func() bool { return spawner.Process("crosvm", 0) != nil })
	spawner.Process("crosvm", 0).exit(false)

	entry := waitStatus(t, r, "a", StatusNotRunning)
	if !errors.Is(entry.Err, ErrHypervisorFailed) {
		t.Errorf("Err = %v, want ErrHypervisorFailed", entry.Err)
	}
}

func TestShutdownDuringBoot(t *testing.T) {
	r, spawner := testRegistry(t, "a")
	spawner.bootReady = false

	r.Toggle("a")
	waitFor(t, "hypervisor", func() bool { return spawner.Process("crosvm", 0) != nil })

	// Toggle while InFlux asks the guest to shut down.
	if err := r.Toggle("a"); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	entry := waitStatus(t, r, "a", StatusNotRunning)
	if entry.Err != nil {
		t.Errorf("Err = %v, want nil for a clean shutdown during boot", entry.Err)
	}
}

func TestEvents(t *testing.T) {
	r, _ := testRegistry(t, "a")

	r.Toggle("a")

	var got []Status
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-r.Events():
			if ev.Name != "a" || ev.Index != 0 {
				t.Fatalf("unexpected event %+v", ev)
			}
			got = append(got, ev.Status)
			if ev.Status == StatusRunning {
				r.Toggle("a")
			}
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	want := []Status{StatusInFlux, StatusRunning, StatusNotRunning}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConcurrentStarts(t *testing.T) {
	names := []string{"v0", "v1", "v2", "v3"}
	r, spawner := testRegistry(t, names...)

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Toggle(name)
		}()
	}
	wg.Wait()

	for _, name := range names {
		waitStatus(t, r, name, StatusRunning)
	}

	cids := map[string]bool{}
	for _, c := range spawner.Commands() {
		if c.Name == "crosvm" {
			cids[argAfter(c.Args, "--vsock")] = true
		}
	}
	for i := range names {
		if !cids[strconv.Itoa(10+i)] {
			t.Errorf("no hypervisor with cid %d: %v", 10+i, cids)
		}
	}
}

func TestReplace(t *testing.T) {
	r, _ := testRegistry(t, "a", "b")

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)

	if err := r.Replace([]string{"x"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("Replace while running = %v, want ErrBusy", err)
	}
	if got := len(r.Entries()); got != 2 {
		t.Errorf("entries after refused Replace = %d, want 2", got)
	}

	r.Toggle("a")
	waitStatus(t, r, "a", StatusNotRunning)

	if err := r.Replace([]string{"x", "y", "z"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	var names []string
	for _, e := range r.Entries() {
		names = append(names, e.Name)
	}
	if !reflect.DeepEqual(names, []string{"x", "y", "z"}) {
		t.Errorf("entries = %v", names)
	}
}

func TestAppendAndUpdate(t *testing.T) {
	r, _ := testRegistry(t, "a")

	index, err := r.Append("b")
	if err != nil || index != 1 {
		t.Fatalf("Append = %d, %v", index, err)
	}
	if _, err := r.Append("b"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Append = %v", err)
	}

	if err := r.Update(1, "b", StatusInFlux, nil); err != nil {
		t.Errorf("Update failed: %v", err)
	}
	if err := r.Update(0, "b", StatusRunning, nil); !errors.Is(err, ErrStale) {
		t.Errorf("Update with wrong name = %v, want ErrStale", err)
	}
	if err := r.Update(5, "b", StatusRunning, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update out of range = %v, want ErrNotFound", err)
	}
	if e, _, _ := r.Get("a"); e.Status != StatusNotRunning {
		t.Errorf("stale update must not touch a: %v", e.Status)
	}
}

func TestUnknownVM(t *testing.T) {
	r, _ := testRegistry(t, "a")

	if err := r.Toggle("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Toggle = %v", err)
	}
	if err := r.Kill("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill = %v", err)
	}
	if err := r.Terminal("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Terminal = %v", err)
	}
}

func TestTerminal(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	if err := r.Terminal("a"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Terminal on stopped vm = %v, want ErrNotRunning", err)
	}

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)

	if err := r.Terminal("a"); err != nil {
		t.Fatalf("Terminal failed: %v", err)
	}
	guest := spawner.Guest("a")
	waitFor(t, "terminal request", func() bool { return guest.Count("/spawn-terminal") == 1 })
}

func TestCloseKillsSessions(t *testing.T) {
	r, spawner := testRegistry(t, "a")

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)
	spawner.Guest("a").OnShutdown(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-spawner.Process("crosvm", 0).Done():
	default:
		t.Error("hypervisor still running after Close")
	}

	// Drain: the channel must be closed.
	for range r.Events() {
	}

	if err := r.Toggle("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Toggle after Close = %v, want ErrClosed", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestConcurrentClose(t *testing.T) {
	r, spawner := testRegistry(t, "a", "b")

	r.Toggle("a")
	r.Toggle("b")
	waitStatus(t, r, "a", StatusRunning)
	waitStatus(t, r, "b", StatusRunning)
	spawner.Guest("a").OnShutdown(func() {})
	spawner.Guest("b").OnShutdown(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Close(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Close = %v", err)
		}
	}
	for range r.Events() {
	}
}

func TestWait(t *testing.T) {
	r, _ := testRegistry(t, "a")

	if err := r.Wait(context.Background(), "a"); err != nil {
		t.Errorf("Wait on stopped vm = %v", err)
	}

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait on running vm = %v, want deadline exceeded", err)
	}

	r.Toggle("a")
	if err := r.Wait(context.Background(), "a"); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
	if e, _, _ := r.Get("a"); e.Status != StatusNotRunning {
		t.Errorf("status after Wait = %v", e.Status)
	}
}

func TestStop(t *testing.T) {
	r, _ := testRegistry(t, "a")

	if err := r.Stop("a"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop on stopped vm = %v, want ErrNotRunning", err)
	}
	if e, _, _ := r.Get("a"); e.Status != StatusNotRunning {
		t.Errorf("Stop must not start a vm, status = %v", e.Status)
	}

	r.Toggle("a")
	waitStatus(t, r, "a", StatusRunning)
	if err := r.Stop("a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitStatus(t, r, "a", StatusNotRunning)
}
