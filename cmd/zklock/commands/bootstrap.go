package commands

import (
	"fmt"

	"github.com/DataDog/zklock/cluster/zookeeper"

	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the lock group path",
	Long: `bootstrap creates every missing component of the --group path in
ZooKeeper. Existing components are left as they are.`,
	RunE: bootstrap,
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	params := lockParamsFromCmd(cmd)
	if err := params.validate(); err != nil {
		return err
	}

	lock, err := zookeeper.NewZooKeeperLock(params.lockConfig(nil))
	if err != nil {
		return err
	}
	defer lock.Close()

	fmt.Printf("lock group %s ready\n", lock.Path)

	return nil
}
