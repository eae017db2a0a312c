package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"
	"github.com/DataDog/zklock/lockmetrics"

	"github.com/go-zookeeper/zk"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run competing lock clients and check mutual exclusion",
	Long: `simulate starts --clients competitors, each with its own ZooKeeper
session. Every competitor acquires the lock in --group --cycles times, increments
a shared counter and holds the lock for --hold before releasing it. When all
competitors finish, the counter, the peak number of simultaneous holders and
the lock event counts are reported. With --stub, an in-memory ZooKeeper is used
in place of --zk-addr.`,
	RunE: simulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("clients", 10, "Number of competing clients")
	simulateCmd.Flags().Int("cycles", 1, "Lock acquisitions per client")
	simulateCmd.Flags().Duration("hold", 50*time.Millisecond, "How long each client holds the lock")
	simulateCmd.Flags().Duration("timeout", 0, "Give up waiting for the lock after this long (0 waits indefinitely)")
	simulateCmd.Flags().Bool("stub", false, "Use an in-memory ZooKeeper")
}

type simulateParams struct {
	lockParams
	metricsParams
	clients int
	cycles  int
	hold    time.Duration
	timeout time.Duration
	stub    bool
}

func simulateParamsFromCmd(cmd *cobra.Command) (params simulateParams) {
	params.lockParams = lockParamsFromCmd(cmd)
	params.metricsParams = metricsParamsFromCmd(cmd)
	clients, _ := cmd.Flags().GetInt("clients")
	params.clients = clients
	cycles, _ := cmd.Flags().GetInt("cycles")
	params.cycles = cycles
	hold, _ := cmd.Flags().GetDuration("hold")
	params.hold = hold
	timeout, _ := cmd.Flags().GetDuration("timeout")
	params.timeout = timeout
	stub, _ := cmd.Flags().GetBool("stub")
	params.stub = stub
	return params
}

func (p simulateParams) validate() error {
	switch {
	case p.clients < 1:
		return fmt.Errorf("[ERROR] --clients must be at least 1")
	case p.cycles < 1:
		return fmt.Errorf("[ERROR] --cycles must be at least 1")
	case p.hold < 0:
		return fmt.Errorf("[ERROR] --hold can't be negative")
	}
	return p.lockParams.validate()
}

// simulation holds the results of a simulate run.
type simulation struct {
	// Count is the shared counter incremented by every holder.
	Count int64
	// MaxHolders is the peak number of clients that held the lock at once.
	MaxHolders int32
	// Errors are the lock errors clients hit.
	Errors  []error
	Counts  lockmetrics.Counts
	Elapsed time.Duration
}

func simulate(cmd *cobra.Command, _ []string) error {
	params := simulateParamsFromCmd(cmd)
	if err := params.validate(); err != nil {
		return err
	}

	counts := &lockmetrics.Counting{}
	obs, closeMetrics, err := params.observer(counts)
	if err != nil {
		return err
	}
	defer closeMetrics()

	newLock := zkLockFactory(params.lockParams)
	if params.stub {
		newLock = stubLockFactory(zookeeper.NewStubServer(), params.lockParams)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim, err := runSimulation(ctx, params, newLock, obs, counts, stdoutLogger{})
	if err != nil {
		return err
	}

	fmt.Printf("\nclients: %d, cycles: %d, elapsed: %s\n", params.clients, params.cycles, sim.Elapsed.Round(time.Millisecond))
	fmt.Printf("count: %d (expected %d)\n", sim.Count, params.clients*params.cycles)
	fmt.Printf("max simultaneous holders: %d\n", sim.MaxHolders)
	fmt.Printf("registered: %d, watches: %d, notifications: %d, ordering races: %d\n",
		sim.Counts.Registered, sim.Counts.Waiting, sim.Counts.Notified, sim.Counts.OrderingRaces)
	fmt.Printf("acquired: %d, released: %d, failed: %d\n",
		sim.Counts.Acquired, sim.Counts.Released, sim.Counts.Failed)

	if sim.MaxHolders > 1 {
		return fmt.Errorf("mutual exclusion violated: %d simultaneous holders", sim.MaxHolders)
	}
	if len(sim.Errors) > 0 {
		return fmt.Errorf("%d lock errors, first: %s", len(sim.Errors), sim.Errors[0])
	}

	return nil
}

// runSimulation runs the competing clients until every client finished its
// cycles or ctx is done. Lock errors are collected; errors creating locks
// are returned.
func runSimulation(ctx context.Context, p simulateParams, newLock lockFactory, obs zookeeper.Observer, counts *lockmetrics.Counting, logger zk.Logger) (*simulation, error) {
	locks := make([]*zookeeper.ZooKeeperLock, p.clients)
	for i := range locks {
		l, err := newLock(ctx, obs)
		if err != nil {
			for _, opened := range locks[:i] {
				opened.Close()
			}
			return nil, fmt.Errorf("[client %d] %s", i, err)
		}
		locks[i] = l
	}

	defer func() {
		for _, l := range locks {
			l.Close()
		}
	}()

	var (
		sim     = &simulation{}
		holders int32
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	recordErr := func(id int, err error) {
		logger.Printf("[client %d] %s\n", id, err)
		mu.Lock()
		sim.Errors = append(sim.Errors, err)
		mu.Unlock()
	}

	start := time.Now()

	for i, l := range locks {
		wg.Add(1)
		go func(id int, lock *zookeeper.ZooKeeperLock) {
			defer wg.Done()

			for cycle := 0; cycle < p.cycles; cycle++ {
				if ctx.Err() != nil {
					return
				}

				lockCtx, cancel := lockContext(ctx, p.timeout)
				err := lock.Lock(lockCtx)
				cancel()
				if err != nil {
					recordErr(id, err)
					continue
				}

				n := atomic.AddInt32(&holders, 1)
				for {
					peak := atomic.LoadInt32(&sim.MaxHolders)
					if n <= peak || atomic.CompareAndSwapInt32(&sim.MaxHolders, peak, n) {
						break
					}
				}

				c := atomic.AddInt64(&sim.Count, 1)
				logger.Printf("[client %d] acquired lock, count is %d\n", id, c)

				select {
				case <-time.After(p.hold):
				case <-ctx.Done():
				case <-lock.Lost():
					atomic.AddInt32(&holders, -1)
					recordErr(id, fmt.Errorf("lock lost while held"))
					continue
				}

				atomic.AddInt32(&holders, -1)

				if err := lock.Unlock(context.Background()); err != nil {
					recordErr(id, err)
				}
			}
		}(i, l)
	}

	wg.Wait()

	sim.Elapsed = time.Since(start)
	sim.Counts = counts.Counts()

	return sim, nil
}

// lockContext bounds a lock attempt by timeout, if set.
func lockContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// stdoutLogger prints progress lines as-is.
type stdoutLogger struct{}

func (stdoutLogger) Printf(format string, args ...interface{}) {
	fmt.Printf(format, args...)
}
