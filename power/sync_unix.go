//go:build unix

package power

import "golang.org/x/sys/unix"

// syncFilesystems flushes dirty pages so a failed resume does not lose the asset.
func syncFilesystems() { unix.Sync() }
