// swarmd 运行一个独立的 swarm 节点
package main

import (
	"fmt"
	"os"

	logging "github.com/dep2p/log"
	"github.com/spf13/cobra"
)

var log = logging.Logger("swarmd")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmd",
		Short:         "dep2p swarm 节点",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newKeygenCmd(), newPSKCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
