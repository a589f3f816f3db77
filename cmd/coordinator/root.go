package coordinator

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/kvmesh/cmd/util"
	"github.com/ValentinKolb/kvmesh/lib/collective/tcp"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Logger = logger.GetLogger("cli")

	coordinatorConfig = common.CoordinatorConfig{}
	CoordinatorCmd    = &cobra.Command{
		Use:   "coordinator",
		Short: "Run the collective coordinator of a job",
		Long: `Run the coordinator that executes barrier, all-gather and split for all ranks of one job.
The format of the environment variables is KVMESH_<flag> (e.g. KVMESH_SIZE=4)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "listen"
	CoordinatorCmd.Flags().String(key, ":29500", cmdUtil.WrapString("The address on which the coordinator listens"))

	key = "size"
	CoordinatorCmd.Flags().Int(key, 1, cmdUtil.WrapString("The number of ranks in the job (world size)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	coordinatorConfig.Endpoint = viper.GetString("listen")
	coordinatorConfig.Size = viper.GetInt("size")
	if coordinatorConfig.Size < 1 {
		return fmt.Errorf("size must be positive, got %d", coordinatorConfig.Size)
	}

	return common.InitLoggers(viper.GetString("log-level"))
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Print(coordinatorConfig.String())

	server, err := tcp.NewServer(coordinatorConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		Logger.Infof("shutting down coordinator")
		if err := server.Close(); err != nil {
			Logger.Warningf("closing coordinator: %v", err)
		}
	}()

	return server.Serve()
}
