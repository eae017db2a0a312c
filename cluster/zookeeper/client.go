package zookeeper

import (
	"path"
	"time"

	"github.com/go-zookeeper/zk"
)

// Client is the subset of ZooKeeper operations the lock depends on. It's
// satisfied by *zk.Conn and by *StubConn.
type Client interface {
	Create(string, []byte, int32, []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(string, []byte, []zk.ACL) (string, error)
	Delete(string, int32) error
	Exists(string) (bool, *zk.Stat, error)
	ExistsW(string) (bool, *zk.Stat, <-chan zk.Event, error)
	Children(string) ([]string, *zk.Stat, error)
	Get(string) ([]byte, *zk.Stat, error)
	GetW(string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	SessionID() int64
	State() zk.State
	Close()
}

var _ Client = (*zk.Conn)(nil)

// lockACL is applied to every znode we create.
var lockACL = zk.WorldACL(zk.PermAll)

// LockNode is a registered claim on the lock: an ephemeral sequential znode
// under the lock group.
type LockNode struct {
	// Path is the full znode path assigned by ZooKeeper.
	Path string
	// Group is the parent lock group path.
	Group string
	// Seq is the sequence number ZooKeeper appended to the znode name.
	Seq int
	// Owner identifies the Handle that created the znode. It's never
	// persisted.
	Owner string
	// Created is the local time the znode was created.
	Created time.Time
}

// Name returns the znode name without the group path.
func (n LockNode) Name() string {
	if n.Path == "" {
		return ""
	}
	return path.Base(n.Path)
}

// transient reports whether err is a connection level failure that the
// ZooKeeper client recovers from on its own.
func transient(err error) bool {
	switch err {
	case zk.ErrConnectionClosed, zk.ErrNoServer:
		return true
	}
	return false
}
