package subscription

import (
	"context"
	"fmt"

	"github.com/alwitt/bookingrelay/common"
)

// ErrSubscriberUnavailable the subscriber can no longer receive events
var ErrSubscriberUnavailable = fmt.Errorf("subscriber unavailable")

// ErrInvariantViolation the registry and the topic state store disagree
var ErrInvariantViolation = fmt.Errorf("subscription registry invariant violated")

// Subscriber handle to one client connection which receives events.
//
// The handle is owned by the transport session serving the client; the registry only
// references it.
type Subscriber interface {
	// ID unique ID of the handle
	ID() string
	// Send deliver an event to the client. Returns ErrSubscriberUnavailable if the client
	// can not receive anymore.
	Send(ctxt context.Context, event common.Event) error
	// IsOpen whether the client can still receive events
	IsOpen() bool
}
