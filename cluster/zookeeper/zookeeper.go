// Package zookeeper implements a cluster.Lock on ZooKeeper using the
// ephemeral sequential znode recipe: each contender registers a claim under
// a lock group, the lowest sequence number holds the lock, and every other
// contender watches only the claim immediately ahead of its own.
package zookeeper

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/zklock/cluster"

	"github.com/go-zookeeper/zk"
)

var (
	_ cluster.Lock         = (*ZooKeeperLock)(nil)
	_ cluster.LossNotifier = (*ZooKeeperLock)(nil)
)

// ZooKeeperLock implements a cluster.Lock. Each Lock call uses a new Handle.
type ZooKeeperLock struct {
	c       Client
	monitor *SessionMonitor
	Path    string

	prefix   string
	observer Observer
	log      zk.Logger

	mu        sync.Mutex
	handle    *Handle
	closeOnce sync.Once
}

// ZooKeeperLockConfig holds ZooKeeperLock configs.
type ZooKeeperLockConfig struct {
	// Address is a ZooKeeper connect string; multiple servers are comma
	// delimited.
	Address string
	// Path is the lock group path. Missing components are created.
	Path string
	// Prefix is the claim znode name prefix. Defaults to DefaultPrefix.
	Prefix string
	// SessionTimeout defaults to 10s.
	SessionTimeout time.Duration
	// Observer receives lock lifecycle notifications. Optional.
	Observer Observer
	// Logger defaults to the standard library logger.
	Logger zk.Logger
}

// NewZooKeeperLock dials ZooKeeper, waits for a session and ensures the lock
// group path exists.
func NewZooKeeperLock(cfg ZooKeeperLockConfig) (*ZooKeeperLock, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	c, events, err := zk.Connect(
		strings.Split(cfg.Address, ","),
		cfg.SessionTimeout,
		zk.WithLogger(cfg.Logger),
		zk.WithLogInfo(false),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SessionTimeout)
	defer cancel()

	z, err := NewZooKeeperLockWithClient(ctx, c, events, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	return z, nil
}

// NewZooKeeperLockWithClient is NewZooKeeperLock over an existing Client and
// its session event channel.
func NewZooKeeperLockWithClient(ctx context.Context, c Client, events <-chan zk.Event, cfg ZooKeeperLockConfig) (*ZooKeeperLock, error) {
	if cfg.Path == "" || cfg.Path == "/" {
		return nil, fmt.Errorf("lock path required")
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	z := &ZooKeeperLock{
		c:        c,
		monitor:  NewSessionMonitor(events, cfg.Logger),
		Path:     "/" + strings.Trim(cfg.Path, "/"),
		prefix:   cfg.Prefix,
		observer: cfg.Observer,
		log:      cfg.Logger,
	}

	if err := z.monitor.WaitConnected(ctx); err != nil {
		z.monitor.Close()
		return nil, fmt.Errorf("connection to ZooKeeper not ready: %s", err)
	}

	if err := z.init(); err != nil {
		z.monitor.Close()
		return nil, err
	}

	return z, nil
}

// init creates every missing component of the lock group path.
func (z *ZooKeeperLock) init() error {
	// Get an incremental path ending at the destination locking path. If for
	// example we're provided "/path/to/locks", we want the following:
	// ["/path", "/path/to", "/path/to/locks"].
	nodes := strings.Split(strings.Trim(z.Path, "/"), "/")

	for i := range nodes {
		nodePath := fmt.Sprintf("/%s", strings.Join(nodes[:i+1], "/"))
		if _, e := z.c.Create(nodePath, nil, 0, lockACL); e != nil && e != zk.ErrNodeExists {
			return fmt.Errorf("[%s] %s", nodePath, e)
		}
	}

	return nil
}

// Session returns the SessionMonitor tracking the lock's ZooKeeper session.
func (z *ZooKeeperLock) Session() *SessionMonitor {
	return z.monitor
}

// NewHandle returns an idle Handle on the lock group. Handles obtained this
// way are independent of Lock and Unlock.
func (z *ZooKeeperLock) NewHandle() *Handle {
	return NewHandle(z.c, z.monitor, HandleConfig{
		Group:    z.Path,
		Prefix:   z.prefix,
		Observer: z.observer,
		Logger:   z.log,
	})
}

// Lock claims the lock, blocking until it's held or ctx is done.
func (z *ZooKeeperLock) Lock(ctx context.Context) error {
	z.mu.Lock()
	if z.handle != nil {
		switch z.handle.State() {
		case StateReleased, StateFailed:
		default:
			z.mu.Unlock()
			return ErrAlreadyOwnLock
		}
	}

	h := z.NewHandle()
	z.handle = h
	z.mu.Unlock()

	if err := h.Acquire(ctx); err != nil {
		z.mu.Lock()
		if z.handle == h {
			z.handle = nil
		}
		z.mu.Unlock()
		return err
	}

	return nil
}

// Unlock releases the lock. It's a no-op if the lock isn't held.
func (z *ZooKeeperLock) Unlock(ctx context.Context) error {
	z.mu.Lock()
	h := z.handle
	z.mu.Unlock()

	if h == nil {
		return nil
	}

	if err := h.Release(ctx); err != nil {
		return err
	}

	z.mu.Lock()
	if z.handle == h {
		z.handle = nil
	}
	z.mu.Unlock()

	return nil
}

// Lost returns a channel that's closed if the held lock is lost, e.g. because
// the session expired. It returns nil if no lock is held.
func (z *ZooKeeperLock) Lost() <-chan struct{} {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.handle == nil {
		return nil
	}

	return z.handle.Done()
}

// Close fails any outstanding claim with ErrClientClosed, closing Lost, and
// then closes the ZooKeeper connection. Close is idempotent.
func (z *ZooKeeperLock) Close() {
	z.closeOnce.Do(func() {
		z.monitor.Close()
		z.c.Close()
	})
}

func defaultLogger() zk.Logger {
	return log.Default()
}
