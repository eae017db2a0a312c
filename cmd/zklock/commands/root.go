package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"

	"github.com/jamiealquiza/envy"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zklock",
	Short: "Acquire, hold and exercise ZooKeeper distributed locks",
	Long: `zklock works with distributed locks built on ZooKeeper ephemeral
sequential znodes. Every contender registers a claim under a lock group; the
lowest claim holds the lock and every other contender watches only the claim
immediately ahead of its own. All flags can be set from ZKLOCK_ prefixed
environment variables, e.g. ZKLOCK_ZK_ADDR.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	envy.ParseCobra(rootCmd, envy.CobraConfig{Prefix: "ZKLOCK", Persistent: true, Recursive: true})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("zk-addr", "localhost:2181", "ZooKeeper connect string")
	rootCmd.PersistentFlags().Duration("session-timeout", 10*time.Second, "ZooKeeper session timeout")
	rootCmd.PersistentFlags().String("group", "/zklock/locks", "Lock group path")
	rootCmd.PersistentFlags().String("prefix", zookeeper.DefaultPrefix, "Lock claim znode name prefix")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log lock and ZooKeeper session activity")
	rootCmd.PersistentFlags().String("metrics-listen", "", "If set, serve Prometheus metrics on this address at /metrics")
	rootCmd.PersistentFlags().String("dd-api-key", "", "Datadog API key (enables lock events)")
	rootCmd.PersistentFlags().String("dd-app-key", "", "Datadog app key")
	rootCmd.PersistentFlags().String("dd-event-tags", "", "Comma delimited list of tags for Datadog lock events")
}
