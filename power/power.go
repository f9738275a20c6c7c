// Package power implements the timed sleep that ends every refresh cycle.
package power

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/1set/inkframe/clock"
)

// Sleeper suspends the device for d. Implementations return once the device is running
// again (or immediately on failure).
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Wait sleeps in-process. It is the choice for hosts that stay powered.
type Wait struct {
	Clock clock.Clock
}

// Sleep implements Sleeper.
func (w Wait) Sleep(ctx context.Context, d time.Duration) error {
	c := w.Clock
	if c == nil {
		c = clock.Real()
	}
	return clock.Sleep(ctx, c, d)
}

// Default sysfs locations for RTCSuspend.
const (
	DefaultWakeAlarm = "/sys/class/rtc/rtc0/wakealarm"
	DefaultStateFile = "/sys/power/state"
	DefaultState     = "mem"
)

// RTCSuspend arms the real-time clock wake alarm and suspends the system. The write
// to the power state file blocks until the system resumes.
type RTCSuspend struct {
	WakeAlarm string
	StateFile string
	// State is written to StateFile, "mem" (suspend to RAM) by default.
	State string
}

// Sleep implements Sleeper. Durations are rounded up to whole seconds.
func (s RTCSuspend) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	alarm := s.WakeAlarm
	if alarm == "" {
		alarm = DefaultWakeAlarm
	}
	stateFile := s.StateFile
	if stateFile == "" {
		stateFile = DefaultStateFile
	}
	state := s.State
	if state == "" {
		state = DefaultState
	}
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}

	// A pending alarm must be cleared before a new one is accepted.
	if err := writeSysfs(alarm, "0"); err != nil {
		return err
	}
	if err := writeSysfs(alarm, "+"+strconv.FormatInt(secs, 10)); err != nil {
		return err
	}
	syncFilesystems()
	return writeSysfs(stateFile, state)
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("power: %w", err)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("power: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("power: close %s: %w", path, err)
	}
	return nil
}

// Fallback tries each Sleeper in order and stops at the first that succeeds.
type Fallback []Sleeper

// Sleep implements Sleeper.
func (f Fallback) Sleep(ctx context.Context, d time.Duration) error {
	var errs []error
	for _, s := range f {
		err := s.Sleep(ctx, d)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return errors.New("power: no sleeper configured")
	}
	return errors.Join(errs...)
}
