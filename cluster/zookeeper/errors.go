package zookeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrLockingTimedOut is returned when a lock couldn't be acquired by the
	// context deadline.
	ErrLockingTimedOut = errors.New("attempt to acquire lock timed out")
	// ErrInvalidSeqNode is returned when sequential znodes are being parsed for
	// a trailing integer ID, but one isn't found.
	ErrInvalidSeqNode = errors.New("znode doesn't appear to be a sequential type")
	// ErrLostRegistration is returned when our lock znode is missing from a
	// live listing of the group after it was created. The acquisition must be
	// restarted with a new Handle.
	ErrLostRegistration = errors.New("lock znode no longer present in the lock group")
	// ErrSessionExpired is returned when the ZooKeeper session that owned the
	// lock znode terminated. The znode is already gone; no release is needed.
	ErrSessionExpired = errors.New("zookeeper session expired")
	// ErrOrderingViolated is returned if a live listing places more claims
	// ahead of ours than a previous listing did.
	ErrOrderingViolated = errors.New("lock claim rank increased between listings")
	// ErrAlreadyOwnLock is returned when Lock is called on a ZooKeeperLock
	// that's already holding or acquiring the lock.
	ErrAlreadyOwnLock = errors.New("the requestor already owns or is acquiring the lock")
	// ErrClientClosed is returned when the lock's ZooKeeper client is closed
	// while a claim is outstanding. The claim is withdrawn.
	ErrClientClosed = errors.New("zookeeper client closed")

	// errOrderingRace is recovered internally by relisting the group.
	errOrderingRace = errors.New("lock ahead vanished before it could be watched")
)

// ErrLockingFailed is a general failure.
type ErrLockingFailed struct {
	message string
}

// Error returns an error string.
func (err ErrLockingFailed) Error() string {
	return fmt.Sprintf("attempt to acquire lock failed: %s", err.message)
}

// ErrUnlockingFailed is returned when a held lock's znode couldn't be removed.
// The lock is still held and the release may be retried.
type ErrUnlockingFailed struct {
	message string
}

// Error returns an error string.
func (err ErrUnlockingFailed) Error() string {
	return fmt.Sprintf("attempt to release lock failed: %s", err.message)
}

// ErrRegistration is returned when the lock znode couldn't be created, e.g.
// the group path doesn't exist or the client lacks permissions.
type ErrRegistration struct {
	message string
	err     error
}

// Error returns an error string.
func (err ErrRegistration) Error() string {
	return fmt.Sprintf("failed to register lock claim: %s", err.message)
}

// Unwrap returns the underlying ZooKeeper error.
func (err ErrRegistration) Unwrap() error {
	return err.err
}

// ErrInvalidState is returned when a Handle operation isn't valid in the
// Handle's current state.
type ErrInvalidState struct {
	Op    string
	State State
}

// Error returns an error string.
func (err ErrInvalidState) Error() string {
	return fmt.Sprintf("%s not permitted in state %s", err.Op, err.State)
}
