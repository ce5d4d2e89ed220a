package sshuttle

import (
	"fmt"
)

// Fatal-startup and fatal-runtime errors. The process exits nonzero on
// these; the firewall helper's own teardown unwinds kernel state.
var ErrHandshakeFailed = fmt.Errorf("relay handshake failed: bad init string")
var ErrHelperExited = fmt.Errorf("firewall helper exited unexpectedly")
var ErrRelayExited = fmt.Errorf("relay subprocess exited")
var ErrFeatureUnsupported = fmt.Errorf("firewall method does not support a required feature")

// Per-flow and per-frame errors. These never bring down the event loop.
var ErrChannelTableFull = fmt.Errorf("channel table full")
var ErrUnknownChannel = fmt.Errorf("frame for unknown channel")
var ErrMagicMismatch = fmt.Errorf("bad frame magic")
var ErrPolicyDenied = fmt.Errorf("connection denied by policy")
var ErrLoopback = fmt.Errorf("destination is the listener's own address")
