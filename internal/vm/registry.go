package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/javanstorm/bubbles/internal/control"
)

// requestTimeout bounds a single best-effort control request.
const requestTimeout = 5 * time.Second

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 128

// session is one running start sequence.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the ordered set of VMs. A single actor goroutine owns the
// entries; every method funnels through it, so status updates from
// concurrent sequences are applied one at a time and in order.
type Registry struct {
	opts   Options
	logger *slog.Logger

	msgs    chan func()
	quit    chan struct{}
	stopped chan struct{}
	events  chan Event

	shutdown sync.Once

	// Owned by the actor goroutine.
	entries  []Entry
	sessions map[string]*session
	closing  bool
}

// NewRegistry starts a registry holding names, all NotRunning.
func NewRegistry(opts Options, names []string) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	if opts.Control == nil {
		opts.Control = &control.Client{Interval: opts.PollInterval, Logger: logger}
	}

	r := &Registry{
		opts:     opts,
		logger:   logger,
		msgs:     make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		events:   make(chan Event, eventBuffer),
		sessions: make(map[string]*session),
	}
	for _, name := range names {
		r.entries = append(r.entries, Entry{Name: name})
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.msgs:
			fn()
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.msgs <- func() { fn(); close(done) }:
	case <-r.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// Events delivers every status change. Events are dropped when the
// buffer is full. The channel is closed by Close.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// emit must run on the actor goroutine.
func (r *Registry) emit(index int) {
	e := r.entries[index]
	ev := Event{Index: index, Name: e.Name, Status: e.Status, Err: e.Err}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event dropped", "vm", e.Name, "status", e.Status)
	}
}

// find must run on the actor goroutine.
func (r *Registry) find(name string) (int, bool) {
	for i, e := range r.entries {
		if e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Entries returns a snapshot of all VMs in registry order.
func (r *Registry) Entries() []Entry {
	var out []Entry
	r.do(func() {
		out = append([]Entry(nil), r.entries...)
	})
	return out
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, int, error) {
	var (
		entry Entry
		index int
		found bool
	)
	if err := r.do(func() {
		index, found = r.find(name)
		if found {
			entry = r.entries[index]
		}
	}); err != nil {
		return Entry{}, -1, err
	}
	if !found {
		return Entry{}, -1, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry, index, nil
}

// Append adds a NotRunning VM at the end and returns its index.
func (r *Registry) Append(name string) (int, error) {
	index := -1
	var err error
	if doErr := r.do(func() {
		if _, found := r.find(name); found {
			err = fmt.Errorf("%w: %s", ErrDuplicate, name)
			return
		}
		r.entries = append(r.entries, Entry{Name: name})
		index = len(r.entries) - 1
		r.emit(index)
	}); doErr != nil {
		return -1, doErr
	}
	return index, err
}

// Replace swaps the whole list for names, all NotRunning. It fails with
// ErrBusy while any VM is not stopped, since that would move CIDs under
// a live guest.
func (r *Registry) Replace(names []string) error {
	var err error
	if doErr := r.do(func() {
		for _, e := range r.entries {
			if e.Status != StatusNotRunning {
				err = fmt.Errorf("%w: %s is %s", ErrBusy, e.Name, e.Status)
				return
			}
		}
		if len(r.sessions) > 0 {
			err = ErrBusy
			return
		}
		r.entries = r.entries[:0]
		for _, name := range names {
			r.entries = append(r.entries, Entry{Name: name})
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Update sets the status of the VM at index. The name must still match
// the entry at that position.
func (r *Registry) Update(index int, name string, status Status, cause error) error {
	var err error
	if doErr := r.do(func() {
		err = r.update(index, name, status, cause)
	}); doErr != nil {
		return doErr
	}
	return err
}

// update must run on the actor goroutine.
func (r *Registry) update(index int, name string, status Status, cause error) error {
	if index < 0 || index >= len(r.entries) {
		return fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if r.entries[index].Name != name {
		return fmt.Errorf("%w: %d is %s, not %s", ErrStale, index, r.entries[index].Name, name)
	}
	r.entries[index].Status = status
	r.entries[index].Err = cause
	r.emit(index)
	return nil
}

// Toggle starts a stopped VM or asks a running or starting one to shut
// down. Starting publishes InFlux before Toggle returns; the sequence
// itself runs in the background. Stopping sends a best-effort shutdown
// request and changes nothing: the hypervisor exiting is what brings
// the VM to NotRunning.
func (r *Registry) Toggle(name string) error {
	var err error
	if doErr := r.do(func() {
		index, found := r.find(name)
		if !found {
			err = fmt.Errorf("%w: %s", ErrNotFound, name)
			return
		}

		switch r.entries[index].Status {
		case StatusNotRunning:
			if r.closing {
				err = ErrClosed
				return
			}
			r.start(index)
		default:
			go r.request(name, r.opts.Control.RequestShutdown)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stop asks name's guest to shut down unless it is already stopped.
// Unlike Toggle it never starts a VM.
func (r *Registry) Stop(name string) error {
	var err error
	if doErr := r.do(func() {
		index, found := r.find(name)
		if !found {
			err = fmt.Errorf("%w: %s", ErrNotFound, name)
			return
		}
		if r.entries[index].Status == StatusNotRunning {
			err = fmt.Errorf("%w: %s", ErrNotRunning, name)
			return
		}
		go r.request(name, r.opts.Control.RequestShutdown)
	}); doErr != nil {
		return doErr
	}
	return err
}

// start must run on the actor goroutine.
func (r *Registry) start(index int) {
	name := r.entries[index].Name
	r.update(index, name, StatusInFlux, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	r.sessions[name] = s

	machine := NewMachine(&r.opts, name, index)
	go func() {
		defer close(s.done)
		defer cancel()

		err := machine.Run(ctx, func() {
			r.Update(index, name, StatusRunning, nil)
		})
		r.do(func() {
			delete(r.sessions, name)
			if updateErr := r.update(index, name, StatusNotRunning, err); updateErr != nil {
				r.logger.Warn("dropping final status", "vm", name, "error", updateErr)
			}
		})
	}()
}

// request sends a best-effort control request to name's guest.
func (r *Registry) request(name string, send func(ctx context.Context, socket string)) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	send(ctx, r.opts.Paths.Instance(name).ControlSocket)
}

// Terminal asks a running guest to open a terminal window.
func (r *Registry) Terminal(name string) error {
	entry, _, err := r.Get(name)
	if err != nil {
		return err
	}
	if entry.Status != StatusRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	go r.request(name, r.opts.Control.RequestTerminal)
	return nil
}

// Kill aborts name's sequence. The hypervisor and helpers are torn down
// and the VM ends NotRunning with ErrAborted. Kill does not wait.
func (r *Registry) Kill(name string) error {
	var err error
	if doErr := r.do(func() {
		if _, found := r.find(name); !found {
			err = fmt.Errorf("%w: %s", ErrNotFound, name)
			return
		}
		s, ok := r.sessions[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNotRunning, name)
			return
		}
		s.cancel()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Wait blocks until name has no running sequence or ctx is done.
func (r *Registry) Wait(ctx context.Context, name string) error {
	var done chan struct{}
	if err := r.do(func() {
		if s, ok := r.sessions[name]; ok {
			done = s.done
		}
	}); err != nil {
		return err
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills every running sequence, waits for them to finish, then
// stops the actor and closes the Events channel. If ctx expires first,
// Close returns its error and leaves the registry running.
func (r *Registry) Close(ctx context.Context) error {
	var pending []chan struct{}
	if err := r.do(func() {
		r.closing = true
		for _, s := range r.sessions {
			s.cancel()
			pending = append(pending, s.done)
		}
	}); err != nil {
		return nil
	}

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.shutdown.Do(func() {
		close(r.quit)
		<-r.stopped
		close(r.events)
	})
	return nil
}
