package zookeeper

import (
	"time"
)

// Observer receives lock lifecycle notifications from Handles. Calls are made
// from the Handle's event loop and should return quickly.
type Observer interface {
	// Registered is called once the lock znode is created.
	Registered(group, node string)
	// Waiting is called each time a watch is set on the claim ahead.
	Waiting(group, node, ahead string)
	// Notified is called for each watch notification received.
	Notified(group, node string)
	// OrderingRace is called when the claim ahead vanished between listing the
	// group and setting the watch.
	OrderingRace(group, node string)
	// Acquired is called when the lock is granted.
	Acquired(group, node string, waited time.Duration)
	// Released is called when a held lock is released.
	Released(group, node string, held time.Duration)
	// Failed is called when a Handle ends in StateFailed.
	Failed(group, node string, err error)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) Registered(string, string) {}
func (NopObserver) Waiting(string, string, string) {}
func (NopObserver) Notified(string, string) {}
func (NopObserver) OrderingRace(string, string) {}
func (NopObserver) Acquired(string, string, time.Duration) {}
func (NopObserver) Released(string, string, time.Duration) {}
func (NopObserver) Failed(string, string, error) {}
