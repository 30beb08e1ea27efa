// Package timing measures the phases of a VM start sequence.
package timing

import (
	"fmt"
	"log/slog"
	"time"
)

// Timer records the time spent between successive marks. It is not safe
// for concurrent use.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []phase
}

type phase struct {
	name string
	took time.Duration
}

// New starts a timer.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark closes the phase that began at the previous mark.
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.phases = append(t.phases, phase{name: name, took: now.Sub(t.last)})
	t.last = now
}

// LogValue renders each phase and the elapsed total as a group, so a
// Timer can be logged directly: logger.Info("vm running", "timing", t).
func (t *Timer) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(t.phases)+1)
	for _, p := range t.phases {
		attrs = append(attrs, slog.String(p.name, round(p.took)))
	}
	attrs = append(attrs, slog.String("total", round(time.Since(t.start))))
	return slog.GroupValue(attrs...)
}

// round keeps three significant units: µs below a millisecond, ms below
// a second, centiseconds above.
func round(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
