// Stub implementation of Source for platforms with neither a
// NETLINK_CONNECTOR nor a kqueue EVFILT_PROC mechanism available.
//
//go:build !linux && !darwin

package kernelfeed

import (
	"context"
	"fmt"
	"runtime"
)

// Start always returns an error: no pre-exec notification mechanism is
// implemented for this platform. To add support for another OS, create
// feed_<goos>.go with a platform-specific Start/Stop.
func (s *Source) Start(_ context.Context) error {
	return fmt.Errorf("kernelfeed: no pre-exec notification mechanism implemented for platform %s", runtime.GOOS)
}

// Stop is a no-op on unsupported platforms.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {})
}
