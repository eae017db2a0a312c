// Package lockmetrics provides zookeeper.Observer implementations that count
// and export lock lifecycle events.
package lockmetrics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"
)

// Counts is a point in time copy of Counting's counters.
type Counts struct {
	Registered    int64
	Waiting       int64
	Notified      int64
	OrderingRaces int64
	Acquired      int64
	Released      int64
	Failed        int64
}

// Counting is an Observer that counts lifecycle events. It's safe for use by
// any number of Handles.
type Counting struct {
	registered    int64
	waiting       int64
	notified      int64
	orderingRaces int64
	acquired      int64
	released      int64
	failed        int64
}

func (c *Counting) Registered(string, string) { atomic.AddInt64(&c.registered, 1) }
func (c *Counting) Waiting(string, string, string) { atomic.AddInt64(&c.waiting, 1) }
func (c *Counting) Notified(string, string) { atomic.AddInt64(&c.notified, 1) }
func (c *Counting) OrderingRace(string, string) { atomic.AddInt64(&c.orderingRaces, 1) }
func (c *Counting) Acquired(string, string, time.Duration) { atomic.AddInt64(&c.acquired, 1) }
func (c *Counting) Released(string, string, time.Duration) { atomic.AddInt64(&c.released, 1) }
func (c *Counting) Failed(string, string, error) { atomic.AddInt64(&c.failed, 1) }

// Counts returns the current counts.
func (c *Counting) Counts() Counts {
	return Counts{
		Registered:    atomic.LoadInt64(&c.registered),
		Waiting:       atomic.LoadInt64(&c.waiting),
		Notified:      atomic.LoadInt64(&c.notified),
		OrderingRaces: atomic.LoadInt64(&c.orderingRaces),
		Acquired:      atomic.LoadInt64(&c.acquired),
		Released:      atomic.LoadInt64(&c.released),
		Failed:        atomic.LoadInt64(&c.failed),
	}
}

type tee []zookeeper.Observer

// Tee returns an Observer that forwards every notification to each of obs in
// order. Nil entries are skipped.
func Tee(obs ...zookeeper.Observer) zookeeper.Observer {
	var t tee
	for _, o := range obs {
		if o != nil {
			t = append(t, o)
		}
	}
	return t
}

func (t tee) Registered(group, node string) {
	for _, o := range t {
		o.Registered(group, node)
	}
}

func (t tee) Waiting(group, node, ahead string) {
	for _, o := range t {
		o.Waiting(group, node, ahead)
	}
}

func (t tee) Notified(group, node string) {
	for _, o := range t {
		o.Notified(group, node)
	}
}

func (t tee) OrderingRace(group, node string) {
	for _, o := range t {
		o.OrderingRace(group, node)
	}
}

func (t tee) Acquired(group, node string, waited time.Duration) {
	for _, o := range t {
		o.Acquired(group, node, waited)
	}
}

func (t tee) Released(group, node string, held time.Duration) {
	for _, o := range t {
		o.Released(group, node, held)
	}
}

func (t tee) Failed(group, node string, err error) {
	for _, o := range t {
		o.Failed(group, node, err)
	}
}

// Reason returns a short, fixed label for a lock failure.
func Reason(err error) string {
	var reg zookeeper.ErrRegistration
	var failed zookeeper.ErrLockingFailed

	switch {
	case err == nil:
		return "none"
	case errors.Is(err, zookeeper.ErrLockingTimedOut):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, zookeeper.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, zookeeper.ErrLostRegistration):
		return "lost_registration"
	case errors.Is(err, zookeeper.ErrOrderingViolated):
		return "ordering_violated"
	case errors.Is(err, zookeeper.ErrClientClosed):
		return "closed"
	case errors.As(err, &reg):
		return "registration"
	case errors.As(err, &failed):
		return "zookeeper"
	}

	return "other"
}
