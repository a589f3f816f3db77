package rank

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/kvmesh/cmd/util"
	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/lib/collective/tcp"
	"github.com/ValentinKolb/kvmesh/lib/device"
	"github.com/ValentinKolb/kvmesh/lib/mesh"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	tcpTransport "github.com/ValentinKolb/kvmesh/rpc/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Logger = logger.GetLogger("cli")

	rankConfig = struct {
		rank            int
		exclude         bool
		hostCoordinator bool
		device          int
		selfTest        bool
		payloadSize     int
		iterations      int
		metricsEndpoint string
		coordinator     common.CoordinatorConfig
		manager         common.ManagerConfig
	}{}

	RankCmd = &cobra.Command{
		Use:   "rank",
		Short: "Run one rank of a job",
		Long: `Run one rank of a job: join the coordinator, bootstrap the connection mesh and print the routing table.
Optionally a ping-pong self test is run over every connection and metrics are served until the process is interrupted.
The format of the environment variables is KVMESH_<flag> (e.g. KVMESH_BASE_PORT=20000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	defaults := common.DefaultManagerConfig()

	key := "rank"
	RankCmd.Flags().Int(key, 0, cmdUtil.WrapString("The world rank of this process"))

	key = "size"
	RankCmd.Flags().Int(key, 1, cmdUtil.WrapString("The number of ranks in the job (world size)"))

	key = "coordinator"
	RankCmd.Flags().String(key, "localhost:29500", cmdUtil.WrapString("The address of the collective coordinator"))

	key = "coordinator-timeout"
	RankCmd.Flags().Int(key, 30, cmdUtil.WrapString("Timeout in seconds for connecting to the coordinator (0 = no timeout)"))

	key = "host-coordinator"
	RankCmd.Flags().Bool(key, false, cmdUtil.WrapString("Run the coordinator inside this process on the port of --coordinator"))

	key = "exclude"
	RankCmd.Flags().Bool(key, false, cmdUtil.WrapString("Take part in the collectives but stay out of the connection mesh"))

	key = "base-port"
	RankCmd.Flags().Uint16(key, defaults.BasePort, cmdUtil.WrapString("The listener base port, the rank listens on base-port + rank"))

	key = "address"
	RankCmd.Flags().String(key, "", cmdUtil.WrapString("The IPv4 address advertised to the peers (default: first non-loopback interface)"))

	key = "device"
	RankCmd.Flags().Int(key, -1, cmdUtil.WrapString("The accelerator device bound to the progress threads (-1 = read KVMESH_DEVICE or LOCAL_RANK)"))

	key = "workers"
	RankCmd.Flags().Int(key, defaults.Workers, cmdUtil.WrapString("The number of transport workers"))

	key = "cache-group-color"
	RankCmd.Flags().Int(key, defaults.CacheGroupColor, cmdUtil.WrapString("The split color of the cache transfer group"))

	key = "tag-query-retries"
	RankCmd.Flags().Int(key, defaults.TagQueryRetries, cmdUtil.WrapString("How often the address of a connecting endpoint is queried before the bootstrap fails"))

	key = "tag-query-backoff"
	RankCmd.Flags().Int(key, defaults.TagQueryBackoffMillisecond, cmdUtil.WrapString("The delay between two endpoint address queries (in milliseconds)"))

	key = "bootstrap-poll"
	RankCmd.Flags().Int(key, defaults.BootstrapPollMillisecond, cmdUtil.WrapString("The polling interval while waiting for peers (in milliseconds)"))

	key = "bootstrap-timeout"
	RankCmd.Flags().Int64(key, defaults.BootstrapTimeoutSecond, cmdUtil.WrapString("Timeout in seconds for the whole bootstrap (0 = no timeout)"))

	key = "self-test"
	RankCmd.Flags().Bool(key, false, cmdUtil.WrapString("Run a ping-pong test over every connection after the bootstrap"))

	key = "payload-size"
	RankCmd.Flags().Int(key, 4, cmdUtil.WrapString("The payload size of one self test message (in KB)"))

	key = "iterations"
	RankCmd.Flags().Int(key, 1000, cmdUtil.WrapString("The number of round trips per connection in the self test"))

	key = "metrics-endpoint"
	RankCmd.Flags().String(key, "", cmdUtil.WrapString("Serve Prometheus metrics on this address (e.g. :9100) until interrupted"))

	cmdUtil.SetupTransportFlags(RankCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	rankConfig.rank = viper.GetInt("rank")
	rankConfig.exclude = viper.GetBool("exclude")
	rankConfig.hostCoordinator = viper.GetBool("host-coordinator")
	rankConfig.device = viper.GetInt("device")
	rankConfig.selfTest = viper.GetBool("self-test")
	rankConfig.payloadSize = viper.GetInt("payload-size") * 1024
	rankConfig.iterations = viper.GetInt("iterations")
	rankConfig.metricsEndpoint = viper.GetString("metrics-endpoint")

	rankConfig.coordinator = common.CoordinatorConfig{
		Endpoint:      viper.GetString("coordinator"),
		Size:          viper.GetInt("size"),
		TimeoutSecond: viper.GetInt("coordinator-timeout"),
	}

	rankConfig.manager = common.ManagerConfig{
		BasePort:                   uint16(viper.GetUint("base-port")),
		AdvertiseAddress:           viper.GetString("address"),
		Workers:                    viper.GetInt("workers"),
		CacheGroupColor:            viper.GetInt("cache-group-color"),
		TagQueryRetries:            viper.GetInt("tag-query-retries"),
		TagQueryBackoffMillisecond: viper.GetInt("tag-query-backoff"),
		BootstrapPollMillisecond:   viper.GetInt("bootstrap-poll"),
		BootstrapTimeoutSecond:     viper.GetInt64("bootstrap-timeout"),
		Transport:                  cmdUtil.GetTransportConfig(),
		LogLevel:                   viper.GetString("log-level"),
	}

	// validate
	if rankConfig.coordinator.Size < 1 {
		return fmt.Errorf("size must be positive, got %d", rankConfig.coordinator.Size)
	}
	if rankConfig.rank < 0 || rankConfig.rank >= rankConfig.coordinator.Size {
		return fmt.Errorf("rank %d out of range for size %d", rankConfig.rank, rankConfig.coordinator.Size)
	}
	if rankConfig.payloadSize < 0 || rankConfig.iterations < 0 {
		return fmt.Errorf("payload size and iterations must not be negative")
	}
	if err := rankConfig.manager.Validate(); err != nil {
		return err
	}

	return common.InitLoggers(rankConfig.manager.LogLevel)
}

func run(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rankConfig.hostCoordinator {
		server, err := hostCoordinator(rankConfig.coordinator)
		if err != nil {
			return err
		}
		defer func() {
			if err := server.Close(); err != nil {
				Logger.Warningf("closing coordinator: %v", err)
			}
		}()
	}

	comm, err := tcp.Dial(ctx, rankConfig.coordinator, rankConfig.rank)
	if err != nil {
		return err
	}
	defer func() {
		if err := comm.Close(); err != nil {
			Logger.Warningf("closing communicator: %v", err)
		}
	}()

	if rankConfig.exclude {
		common.WithRank(Logger, uint64(rankConfig.rank)).Infof("excluded from the connection mesh")
		if err := mesh.Abstain(ctx, comm); err != nil {
			return err
		}
		return finish(ctx, comm)
	}

	fmt.Print(rankConfig.manager.String())

	var provider device.IProvider = device.Static(rankConfig.device)
	if rankConfig.device < 0 {
		provider = device.FromEnv()
	}

	m, err := mesh.NewManager(ctx, comm, tcpTransport.NewTCPContext(rankConfig.manager.Transport),
		rankConfig.manager, mesh.WithDeviceProvider(provider))
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			Logger.Warningf("closing connection manager: %v", err)
		}
	}()

	printRoutingTable(m)

	if rankConfig.selfTest {
		if err := runSelfTest(ctx, m, rankConfig.payloadSize, rankConfig.iterations); err != nil {
			return err
		}
	}

	return finish(ctx, comm)
}

// finish waits for all ranks of the job and then serves metrics until interrupted
func finish(ctx context.Context, comm collective.ICommunicator) error {
	if err := comm.Barrier(ctx); err != nil {
		return fmt.Errorf("final barrier failed: %w", err)
	}
	if rankConfig.metricsEndpoint == "" {
		return nil
	}
	return serveMetrics(ctx, rankConfig.metricsEndpoint)
}

// hostCoordinator starts a coordinator listening on the port of config.Endpoint
func hostCoordinator(config common.CoordinatorConfig) (*tcp.Server, error) {
	_, port, err := net.SplitHostPort(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid coordinator address %q: %w", config.Endpoint, err)
	}
	config.Endpoint = net.JoinHostPort("", port)

	server, err := tcp.NewServer(config)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := server.Serve(); err != nil {
			Logger.Errorf("coordinator stopped: %v", err)
		}
	}()
	return server, nil
}

func serveMetrics(ctx context.Context, endpoint string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		mesh.WritePrometheus(w)
	})

	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	Logger.Infof("serving metrics on %s/metrics", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint failed: %w", err)
	}
	return nil
}

func printRoutingTable(m *mesh.Manager) {
	fmt.Printf("\nROUTING TABLE (rank %d of %d, %s:%d)\n", m.LocalGID(), m.GroupSize(), m.AdvertisedAddress(), m.ListenPort())
	for _, c := range m.Connections() {
		fmt.Printf("  %-22s: %s\n", fmt.Sprintf("rank %d", c.RemoteGID()), c)
	}
}
