package sshuttle

import (
	uuid "github.com/satori/go.uuid"
)

// NewCorrelationID returns a short opaque id used only in log lines to
// trace one flow's lifecycle across accept, ACL decision, channel
// allocation, and teardown. It is never sent on the wire.
func NewCorrelationID() string {
	return uuid.NewV4().String()[:8]
}
