package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"

	"github.com/1set/inkframe/clock"
)

// Time sync defaults.
const (
	DefaultTimeSyncAttempts = 10
	DefaultTimeSyncDelay    = 500 * time.Millisecond
	DefaultNTPTimeout       = 5 * time.Second
)

// DefaultNTPServers are queried in turn.
var DefaultNTPServers = []string{"pool.ntp.org", "time.google.com"}

// MinValidTime rejects the clock of a board that has not been set since reset.
var MinValidTime = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// TimeSource returns the current time according to server.
type TimeSource interface {
	Query(ctx context.Context, server string) (time.Time, error)
}

// NTPSource queries SNTP servers.
type NTPSource struct {
	Timeout time.Duration
}

// Query implements TimeSource.
func (s NTPSource) Query(ctx context.Context, server string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultNTPTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return time.Time{}, fmt.Errorf("ntp %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("ntp %s: %w", server, err)
	}
	return time.Now().Add(resp.ClockOffset), nil
}

// TimeoutError is returned when no valid time was obtained within the attempt budget.
type TimeoutError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("network: %s: no result after %d attempts", e.Op, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// TimeSyncOptions controls SyncTime.
type TimeSyncOptions struct {
	Servers  []string
	Attempts int
	Delay    time.Duration
	// SetSystemClock applies the result to the system clock (needs CAP_SYS_TIME).
	SetSystemClock bool
	Logger         *slog.Logger
}

var errImplausibleTime = errors.New("implausible time")

// SyncTime asks the servers in turn, with Delay between attempts, until one returns a
// time after MinValidTime. It gives up with a *TimeoutError after Attempts queries.
func SyncTime(ctx context.Context, clk clock.Clock, source TimeSource, opts TimeSyncOptions) (time.Time, error) {
	servers := opts.Servers
	if len(servers) == 0 {
		servers = DefaultNTPServers
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultTimeSyncAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := clock.Sleep(ctx, clk, opts.Delay); err != nil {
				return time.Time{}, err
			}
		}
		server := servers[i%len(servers)]
		now, err := source.Query(ctx, server)
		if err == nil && !now.After(MinValidTime) {
			err = fmt.Errorf("%s: %w: %s", server, errImplausibleTime, now.UTC().Format(time.RFC3339))
		}
		if err != nil {
			last = err
			logger.Debug("time sync attempt failed", "attempt", i+1, "server", server, "error", err)
			continue
		}
		if opts.SetSystemClock {
			if err := setSystemClock(now); err != nil {
				return now, fmt.Errorf("network: set system clock: %w", err)
			}
		}
		logger.Info("time synchronized", "server", server, "time", now.UTC().Format(time.RFC3339))
		return now, nil
	}
	return time.Time{}, &TimeoutError{Op: "time sync", Attempts: attempts, Last: last}
}
