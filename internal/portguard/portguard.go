// Package portguard performs the single startup check that decides
// whether this process should run at all: if either of the bridge's
// listening ports is already bound, another bridge instance is serving
// and this one should exit cleanly.
package portguard

import (
	"errors"
	"fmt"
	"net"
)

// ErrPortInUse reports that a probed address is already bound.
var ErrPortInUse = errors.New("port already in use")

// Probe attempts to bind and immediately release each address. It
// returns the first conflicting address wrapped in ErrPortInUse, or nil
// when every address is free. One deterministic pass: no retries, no
// backoff.
func Probe(addrs ...string) error {
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		if err := ln.Close(); err != nil {
			return fmt.Errorf("releasing probe listener on %s: %w", addr, err)
		}
	}
	return nil
}
