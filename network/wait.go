package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/1set/inkframe/clock"
)

// Association polling defaults: 60 polls, 500 ms apart.
const (
	DefaultAssociationAttempts = 60
	DefaultAssociationInterval = 500 * time.Millisecond
)

// ErrAssociationTimeout is returned when the link never came up.
var ErrAssociationTimeout = errors.New("network: association timeout")

// WaitAssociated polls link until it is associated, at most attempts times with interval
// between polls. Poll errors are logged and count as "not yet".
func WaitAssociated(ctx context.Context, clk clock.Clock, link Link, attempts int, interval time.Duration, logger *slog.Logger) error {
	if attempts <= 0 {
		attempts = DefaultAssociationAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	for i := 1; ; i++ {
		ok, err := link.Associated()
		if err != nil {
			logger.Debug("link state unavailable", "attempt", i, "error", err)
		}
		if ok {
			logger.Debug("link associated", "attempt", i)
			return nil
		}
		if i >= attempts {
			return fmt.Errorf("%w after %d attempts", ErrAssociationTimeout, attempts)
		}
		if err := clock.Sleep(ctx, clk, interval); err != nil {
			return err
		}
	}
}
