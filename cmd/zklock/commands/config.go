package commands

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"

	"github.com/go-zookeeper/zk"
	"github.com/spf13/cobra"
)

type lockParams struct {
	zkAddr         string
	sessionTimeout time.Duration
	group          string
	prefix         string
	verbose        bool
}

func lockParamsFromCmd(cmd *cobra.Command) (params lockParams) {
	zkAddr, _ := cmd.Flags().GetString("zk-addr")
	params.zkAddr = zkAddr
	sessionTimeout, _ := cmd.Flags().GetDuration("session-timeout")
	params.sessionTimeout = sessionTimeout
	group, _ := cmd.Flags().GetString("group")
	params.group = group
	prefix, _ := cmd.Flags().GetString("prefix")
	params.prefix = prefix
	verbose, _ := cmd.Flags().GetBool("verbose")
	params.verbose = verbose
	return params
}

func (p lockParams) validate() error {
	switch {
	case p.zkAddr == "":
		return fmt.Errorf("[ERROR] --zk-addr must be set")
	case p.group == "" || p.group == "/":
		return fmt.Errorf("[ERROR] --group must be a non-root path")
	case p.sessionTimeout <= 0:
		return fmt.Errorf("[ERROR] --session-timeout must be positive")
	}
	return nil
}

// logger returns the logger handed to locks and the ZooKeeper client. Their
// activity is suppressed unless --verbose is set.
func (p lockParams) logger() zk.Logger {
	if p.verbose {
		return log.Default()
	}
	return log.New(io.Discard, "", 0)
}

func (p lockParams) lockConfig(obs zookeeper.Observer) zookeeper.ZooKeeperLockConfig {
	return zookeeper.ZooKeeperLockConfig{
		Address:        p.zkAddr,
		Path:           p.group,
		Prefix:         p.prefix,
		SessionTimeout: p.sessionTimeout,
		Observer:       obs,
		Logger:         p.logger(),
	}
}

// lockFactory returns a new lock with its own ZooKeeper session.
type lockFactory func(ctx context.Context, obs zookeeper.Observer) (*zookeeper.ZooKeeperLock, error)

// zkLockFactory dials the configured ZooKeeper ensemble for every lock.
func zkLockFactory(p lockParams) lockFactory {
	return func(_ context.Context, obs zookeeper.Observer) (*zookeeper.ZooKeeperLock, error) {
		return zookeeper.NewZooKeeperLock(p.lockConfig(obs))
	}
}

// stubLockFactory opens a session on an in-memory ZooKeeper for every lock.
func stubLockFactory(s *zookeeper.StubServer, p lockParams) lockFactory {
	return func(ctx context.Context, obs zookeeper.Observer) (*zookeeper.ZooKeeperLock, error) {
		c, events := s.Connect()
		return zookeeper.NewZooKeeperLockWithClient(ctx, c, events, p.lockConfig(obs))
	}
}
