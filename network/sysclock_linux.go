package network

import (
	"time"

	"golang.org/x/sys/unix"
)

var setSystemClock = func(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
