// package cluster specifies clustering primitives for multi-node service
// coordination.
package cluster

import (
	"context"
)

// Lock defines a distributed mutual-exclusion lock.
type Lock interface {
	// Lock and Unlock are coarse grain locks based on a pre-defined lock path.
	// The lock path is an implementation detail that isn't negotiated through
	// this interface. A context is accepted for setting wait bounds; Lock
	// returns once the lock is owned or the context is done.
	Lock(context.Context) error
	Unlock(context.Context) error
}

// LossNotifier is implemented by locks whose ownership can be revoked out from
// under the holder, e.g. when the session backing the lock expires.
type LossNotifier interface {
	// Lost returns a channel that's closed when the currently held lock is no
	// longer owned by this client. A nil channel is returned if no lock is held.
	Lost() <-chan struct{}
}
