package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"

	"github.com/spf13/cobra"
)

var holdCmd = &cobra.Command{
	Use:   "hold",
	Short: "Acquire the lock, hold it, then release it",
	Long: `hold waits for the lock in --group, holds it for --hold and releases it.
An interrupt releases the lock early. If the lock is lost while held, e.g.
because the ZooKeeper session expired, hold exits with an error.`,
	RunE: hold,
}

func init() {
	rootCmd.AddCommand(holdCmd)

	holdCmd.Flags().Duration("hold", 10*time.Second, "How long to hold the lock")
	holdCmd.Flags().Duration("timeout", 0, "Give up waiting for the lock after this long (0 waits indefinitely)")
}

type holdParams struct {
	lockParams
	metricsParams
	hold    time.Duration
	timeout time.Duration
}

func holdParamsFromCmd(cmd *cobra.Command) (params holdParams) {
	params.lockParams = lockParamsFromCmd(cmd)
	params.metricsParams = metricsParamsFromCmd(cmd)
	hold, _ := cmd.Flags().GetDuration("hold")
	params.hold = hold
	timeout, _ := cmd.Flags().GetDuration("timeout")
	params.timeout = timeout
	return params
}

func hold(cmd *cobra.Command, _ []string) error {
	params := holdParamsFromCmd(cmd)
	if err := params.validate(); err != nil {
		return err
	}

	obs, closeMetrics, err := params.observer()
	if err != nil {
		return err
	}
	defer closeMetrics()

	lock, err := zookeeper.NewZooKeeperLock(params.lockConfig(obs))
	if err != nil {
		return err
	}
	defer lock.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	acquireCtx := ctx
	if params.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, params.timeout)
		defer cancel()
	}

	fmt.Printf("waiting for lock %s\n", lock.Path)
	start := time.Now()

	if err := lock.Lock(acquireCtx); err != nil {
		return err
	}

	fmt.Printf("acquired lock %s after %s\n", lock.Path, time.Since(start).Round(time.Millisecond))

	select {
	case <-time.After(params.hold):
	case <-ctx.Done():
		fmt.Println("interrupted")
	case <-lock.Lost():
		return fmt.Errorf("lock %s lost while held", lock.Path)
	}

	if err := lock.Unlock(context.Background()); err != nil {
		return err
	}

	fmt.Printf("released lock %s\n", lock.Path)

	return nil
}
