package sshuttle

import (
	"time"
)

// Timeouts collects every duration the core has an opinion about. Grouping
// them in one struct (rather than scattering constants across packages)
// follows the teacher's own Timeouts/TimeoutPhases shape.
type Timeouts struct {
	DNSExpiry        time.Duration
	UDPIdleExpiry    time.Duration
	EventLoopPoll    time.Duration
	ACLRetryBackoff  time.Duration
	HelperHandshake  time.Duration
	RelayHandshake   time.Duration
}

// DefaultTimeouts returns the durations named in the spec: 30s DNS/UDP
// expiry, a 100ms event loop poll bound to guarantee expiry cadence,
// and a 2s ACL subscriber retry backoff.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		DNSExpiry:       30 * time.Second,
		UDPIdleExpiry:   30 * time.Second,
		EventLoopPoll:   100 * time.Millisecond,
		ACLRetryBackoff: 2 * time.Second,
		HelperHandshake: 10 * time.Second,
		RelayHandshake:  15 * time.Second,
	}
}
