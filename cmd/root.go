package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/kvmesh/cmd/coordinator"
	"github.com/ValentinKolb/kvmesh/cmd/rank"
	"github.com/ValentinKolb/kvmesh/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvmesh",
		Short: "full-mesh transport for key-value cache transfer",
		Long: fmt.Sprintf(`kvmesh (v%s)

Establishes a full mesh of tagged point-to-point connections between the
ranks of a job, bootstrapped through a collective coordinator.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvmesh",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvmesh v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(rank.RankCmd)
	RootCmd.AddCommand(coordinator.CoordinatorCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
