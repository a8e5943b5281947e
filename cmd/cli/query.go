package cli

import (
	"strconv"

	"github.com/canopy-network/hotshot/lib"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "query the diagnostics rpc of a running simulation",
}

func init() {
	queryCmd.AddCommand(nodesCmd)
	queryCmd.AddCommand(statusCmd)
	queryCmd.AddCommand(faultsCmd)
	queryCmd.AddCommand(leafCmd)
	queryCmd.AddCommand(networkCmd)
}

var (
	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "query the position of every node",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Nodes())
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status <index>",
		Short: "query the consensus position of a node",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Status(argToInt(args[0])))
		},
	}

	faultsCmd = &cobra.Command{
		Use:   "faults <index>",
		Short: "query the fault reports of a node",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Faults(argToInt(args[0])))
		},
	}

	leafCmd = &cobra.Command{
		Use:   "leaf <index> <height>",
		Short: "query the leaf a node committed at a height",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Leaf(argToInt(args[0]), uint64(argToInt(args[1]))))
		},
	}

	networkCmd = &cobra.Command{
		Use:   "network",
		Short: "query the traffic counters of the simulated network",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Network())
		},
	}
)

func argToInt(arg string) int {
	i, err := strconv.Atoi(arg)
	if err != nil || i < 0 {
		l.Fatal(lib.ErrInvalidArgument().Error())
	}
	return i
}
