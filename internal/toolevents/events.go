// Package toolevents turns the agent runtime's log output into an ordered
// stream of tool-activity events.
//
// The runtime blocks during its tool loop and only starts streaming text
// afterwards, so the relay tails the runtime log concurrently with the
// upstream call and surfaces tool activity to the client while it waits.
package toolevents

import "time"

// Type classifies a tool event.
type Type string

const (
	// TypeStart marks a tool invocation beginning.
	TypeStart Type = "start"
	// TypeEnd marks a tool invocation completing.
	TypeEnd Type = "end"
	// TypeDetail carries a failure detail line for a tool.
	TypeDetail Type = "detail"
)

// Event is one discrete tool-activity record, delivered in arrival order.
type Event struct {
	Type   Type
	Tool   string
	CallID string
	// Message holds the failure detail for TypeDetail events.
	Message string
	// ObservedAt is when the tailer saw the log line; non-decreasing within
	// one tail.
	ObservedAt time.Time
}
