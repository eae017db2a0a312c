package zookeeper

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

// DefaultPrefix is the claim znode name prefix used when none is configured.
const DefaultPrefix = "lock-"

// State is a Handle's position in the lock lifecycle.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateWaiting
	StateHeld
	StateReleasing
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateWaiting:
		return "waiting"
	case StateHeld:
		return "held"
	case StateReleasing:
		return "releasing"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// HandleConfig holds Handle configuration.
type HandleConfig struct {
	// Group is the persistent lock group path, e.g. "/my/locks". It must exist
	// before Acquire is called.
	Group string
	// Prefix is the claim znode name prefix. Defaults to DefaultPrefix.
	Prefix string
	// Observer receives lifecycle notifications. Optional.
	Observer Observer
	// Logger defaults to the standard library logger.
	Logger zk.Logger
}

// Handle is a single acquisition cycle of the lock: it registers one claim
// znode, waits for every claim ahead of it to go away, holds the lock and
// releases it. A Handle can't be reused once released or failed.
//
// All state transitions are made by one goroutine that serializes caller
// requests, watch notifications and session notices.
type Handle struct {
	c        Client
	monitor  *SessionMonitor
	group    string
	prefix   string
	owner    string
	observer Observer
	log      zk.Logger

	started int32
	events  chan interface{}
	done    chan struct{}

	// mu guards reads of the fields below from outside the event loop. They're
	// only written by the event loop.
	mu    sync.RWMutex
	state State
	err   error
	node  LockNode

	// Owned by the event loop.
	session      int64
	rank         int
	watchGen     uint64
	retryPending bool
	acquired     time.Time
	acquireReply chan error
}

type acquireRequest struct{}

type releaseRequest struct {
	reply chan error
}

type abandonRequest struct {
	cause error
	reply chan struct{}
}

type watchFired struct {
	gen   uint64
	event zk.Event
}

// NewHandle returns an idle Handle that claims the lock under cfg.Group using
// client c. The monitor, if non-nil, must be reading the session events of c.
func NewHandle(c Client, monitor *SessionMonitor, cfg HandleConfig) *Handle {
	h := &Handle{
		c:        c,
		monitor:  monitor,
		group:    cfg.Group,
		prefix:   cfg.Prefix,
		owner:    uuid.NewString(),
		observer: cfg.Observer,
		log:      cfg.Logger,
		events:   make(chan interface{}, 8),
		done:     make(chan struct{}),
		rank:     -1,
	}

	if h.prefix == "" {
		h.prefix = DefaultPrefix
	}
	if h.observer == nil {
		h.observer = NopObserver{}
	}
	if h.log == nil {
		h.log = defaultLogger()
	}

	return h
}

// Owner returns the in-process identity of the Handle.
func (h *Handle) Owner() string {
	return h.owner
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the error that moved the Handle to StateFailed, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Node returns the claim znode. It's the zero LockNode until registered.
func (h *Handle) Node() LockNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.node
}

// Done returns a channel that's closed once the Handle is released or failed.
// A holder can use it to learn that the lock was lost.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Acquire registers a claim and blocks until the lock is held, the claim
// fails, or ctx is done. If ctx ends first the claim is withdrawn and
// ErrLockingTimedOut (deadline) or the context error is returned.
func (h *Handle) Acquire(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return ErrInvalidState{Op: "acquire", State: h.State()}
	}

	if h.monitor != nil {
		if err := h.monitor.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				err = contextErr(ctx.Err())
			}
			h.setState(StateFailed, err)
			h.observer.Failed(h.group, "", err)
			close(h.done)
			return err
		}
	}

	reply := make(chan error, 1)
	h.acquireReply = reply

	go h.run()
	h.events <- acquireRequest{}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
	}

	// Withdraw the claim. Whatever state the loop reached, including a grant
	// we never observed, ends in StateFailed.
	ack := make(chan struct{})
	if h.post(abandonRequest{cause: contextErr(ctx.Err()), reply: ack}) {
		select {
		case <-ack:
		case <-h.done:
		}
	}

	if err := h.Err(); err != nil {
		return err
	}

	return contextErr(ctx.Err())
}

// Release deletes the claim znode of a held lock. Releasing a Handle that's
// already released or failed is a no-op. ctx only bounds queueing the
// release; once queued, its outcome is returned.
func (h *Handle) Release(ctx context.Context) error {
	if atomic.LoadInt32(&h.started) == 0 {
		return ErrInvalidState{Op: "release", State: StateIdle}
	}

	reply := make(chan error, 1)

	select {
	case <-h.done:
		return h.releaseResult(reply)
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case h.events <- releaseRequest{reply: reply}:
	case <-h.done:
		return h.releaseResult(reply)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-h.done:
		return h.releaseResult(reply)
	}
}

// releaseResult reports the outcome of a release once the event loop exited.
func (h *Handle) releaseResult(reply chan error) error {
	select {
	case err := <-reply:
		return err
	default:
	}

	switch s := h.State(); s {
	case StateReleased, StateFailed:
		return nil
	default:
		return ErrInvalidState{Op: "release", State: s}
	}
}

// notify delivers a session notice to the event loop.
func (h *Handle) notify(n sessionNotice) {
	h.post(n)
}

// post enqueues an event unless the event loop has exited.
func (h *Handle) post(ev interface{}) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Handle) run() {
	defer close(h.done)

	if h.monitor != nil {
		if !h.monitor.register(h) {
			h.fail(ErrClientClosed)
			return
		}
		defer h.monitor.deregister(h)
	}

	for {
		switch ev := (<-h.events).(type) {
		case acquireRequest:
			h.register()
		case watchFired:
			if ev.gen == h.watchGen {
				h.onWatch(ev.event)
			}
		case sessionNotice:
			h.onSession(ev)
		case releaseRequest:
			ev.reply <- h.release()
		case abandonRequest:
			h.fail(ev.cause)
			close(ev.reply)
		}

		if h.terminal() {
			return
		}
	}
}

func (h *Handle) terminal() bool {
	return h.state == StateReleased || h.state == StateFailed
}

func (h *Handle) setState(s State, err error) {
	h.mu.Lock()
	h.state = s
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()
}

// register enters our claim into the lock group.
func (h *Handle) register() {
	if h.state != StateIdle {
		return
	}

	h.setState(StateRegistering, nil)

	p, err := h.c.CreateProtectedEphemeralSequential(path.Join(h.group, h.prefix), nil, lockACL)
	if err != nil {
		h.fail(ErrRegistration{message: fmt.Sprintf("[%s] %s", h.group, err), err: err})
		return
	}

	// The create may have been replayed on a renewed session. The claim
	// belongs to whichever session owns the znode.
	h.session = h.c.SessionID()
	if ok, stat, err := h.c.Exists(p); err == nil && ok {
		h.session = stat.EphemeralOwner
	}

	seq, err := idFromZnode(p)
	if err != nil {
		// Not ours to keep if we can't order it.
		h.c.Delete(p, -1)
		h.fail(ErrRegistration{message: fmt.Sprintf("[%s] %s", p, err), err: err})
		return
	}

	h.mu.Lock()
	h.node = LockNode{
		Path:    p,
		Group:   h.group,
		Seq:     seq,
		Owner:   h.owner,
		Created: time.Now(),
	}
	h.mu.Unlock()

	h.observer.Registered(h.group, h.node.Name())
	h.log.Printf("[zklock] %s registered %s\n", h.owner, p)

	h.evaluate()
}

// evaluate resolves our rank until we either hold the lock, are watching the
// claim ahead, or fail. A claim ahead that vanishes before it's watched
// triggers another listing; the number of claims ahead can only shrink, which
// bounds the loop.
func (h *Handle) evaluate() {
	h.retryPending = false

	for {
		err := h.resolve()
		switch {
		case err == nil:
			return
		case err == errOrderingRace:
			h.observer.OrderingRace(h.group, h.node.Name())
			continue
		case transient(err):
			h.log.Printf("[zklock] %s deferring rank check until reconnected: %s\n", h.owner, err)
			h.retryPending = true
			return
		default:
			h.fail(err)
			return
		}
	}
}

// resolve lists the lock group once and acts on our rank.
func (h *Handle) resolve() error {
	names, _, err := h.c.Children(h.group)
	if err != nil {
		return h.callErr(h.group, err)
	}

	r := Resolve(names, h.node.Name(), h.prefix)

	switch {
	case !r.Found:
		return ErrLostRegistration
	case h.rank >= 0 && r.Rank > h.rank:
		return ErrOrderingViolated
	}

	h.rank = r.Rank

	if r.Rank == 0 {
		h.grant()
		return nil
	}

	// Watch only the claim immediately ahead of ours.
	ahead := path.Join(h.group, r.Ahead)
	_, _, ch, err := h.c.GetW(ahead)
	switch {
	case err == zk.ErrNoNode:
		return errOrderingRace
	case err != nil:
		return h.callErr(ahead, err)
	}

	h.watch(ahead, ch)

	return nil
}

// callErr maps a ZooKeeper call error. Transient errors are returned as-is.
func (h *Handle) callErr(p string, err error) error {
	switch {
	case transient(err):
		return err
	case err == zk.ErrSessionExpired:
		return ErrSessionExpired
	default:
		return ErrLockingFailed{message: fmt.Sprintf("[%s] %s", p, err)}
	}
}

func (h *Handle) watch(ahead string, ch <-chan zk.Event) {
	h.watchGen++
	gen := h.watchGen

	h.setState(StateWaiting, nil)
	h.observer.Waiting(h.group, h.node.Name(), path.Base(ahead))

	go func() {
		select {
		case e := <-ch:
			h.post(watchFired{gen: gen, event: e})
		case <-h.done:
		}
	}()
}

func (h *Handle) onWatch(e zk.Event) {
	if h.state != StateWaiting {
		return
	}

	h.observer.Notified(h.group, h.node.Name())

	if e.Type == zk.EventNotWatching {
		if e.Err == zk.ErrSessionExpired {
			h.fail(ErrSessionExpired)
			return
		}
		h.fail(ErrLockingFailed{message: fmt.Sprintf("watch on %s dropped: %v", e.Path, e.Err)})
		return
	}

	h.evaluate()
}

func (h *Handle) onSession(n sessionNotice) {
	if h.terminal() {
		return
	}

	if n == noticeClosed {
		h.fail(ErrClientClosed)
		return
	}

	if h.state == StateIdle {
		return
	}

	switch n {
	case noticeExpired:
		// A notice queued before our claim was created on the current session
		// is about a session we never owned anything in.
		if h.c.State() == zk.StateHasSession && h.c.SessionID() == h.session {
			h.log.Printf("[zklock] %s ignoring expiry of a previous session\n", h.owner)
			return
		}
		h.fail(ErrSessionExpired)
	case noticeReconnected:
		// Ephemeral znodes don't survive into a new session.
		if h.c.SessionID() != h.session {
			h.fail(ErrSessionExpired)
			return
		}
		if h.retryPending {
			h.evaluate()
		}
	}
}

func (h *Handle) grant() {
	h.watchGen++
	h.acquired = time.Now()

	h.setState(StateHeld, nil)
	h.observer.Acquired(h.group, h.node.Name(), h.acquired.Sub(h.node.Created))
	h.log.Printf("[zklock] %s acquired %s\n", h.owner, h.node.Path)

	h.replyAcquire(nil)
}

func (h *Handle) release() error {
	switch h.state {
	case StateHeld:
	case StateReleased, StateFailed:
		return nil
	default:
		return ErrInvalidState{Op: "release", State: h.state}
	}

	h.setState(StateReleasing, nil)

	// The znode may already have been removed along with an expired session.
	switch err := h.c.Delete(h.node.Path, -1); err {
	case nil, zk.ErrNoNode, zk.ErrSessionExpired:
	default:
		h.setState(StateHeld, nil)
		return ErrUnlockingFailed{message: fmt.Sprintf("[%s] %s", h.node.Path, err)}
	}

	h.setState(StateReleased, nil)
	h.observer.Released(h.group, h.node.Name(), time.Since(h.acquired))
	h.log.Printf("[zklock] %s released %s\n", h.owner, h.node.Path)

	return nil
}

// fail moves the Handle to StateFailed, withdrawing the claim znode. A claim
// that went away with its session reports ErrNoNode or ErrSessionExpired.
func (h *Handle) fail(err error) {
	if h.terminal() {
		return
	}

	h.watchGen++

	if h.node.Path != "" {
		switch derr := h.c.Delete(h.node.Path, -1); derr {
		case nil, zk.ErrNoNode, zk.ErrSessionExpired:
		default:
			h.log.Printf("[zklock] %s failed to remove %s: %s\n", h.owner, h.node.Path, derr)
		}
	}

	h.setState(StateFailed, err)
	h.observer.Failed(h.group, h.node.Name(), err)
	h.log.Printf("[zklock] %s failed: %s\n", h.owner, err)

	h.replyAcquire(err)
}

func (h *Handle) replyAcquire(err error) {
	if h.acquireReply != nil {
		h.acquireReply <- err
		h.acquireReply = nil
	}
}

// contextErr maps a context error to the error returned by Acquire.
func contextErr(err error) error {
	if err == context.DeadlineExceeded {
		return ErrLockingTimedOut
	}
	return err
}
