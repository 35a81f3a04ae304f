package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mohitkumar/fleetflow/agent"
	"github.com/mohitkumar/fleetflow/config"
	"github.com/mohitkumar/fleetflow/endpoint"
	"github.com/mohitkumar/fleetflow/logger"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage: memory, redis or sql")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().String("namespace", "fleetflow", "namespace used in storage")
	cmd.Flags().String("sql-driver", "sqlite", "sql driver: sqlite, mysql or pgx")
	cmd.Flags().String("sql-dsn", "file:fleetflow.db", "sql data source name")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", 8099, "grpc port for client connections")
	cmd.Flags().String("node-name", "", "cluster node name, defaults to the hostname")
	cmd.Flags().String("bind-addr", "", "serf bind address; empty runs a single node")
	cmd.Flags().String("join-addrs", "", "comma separated serf addresses to join")
	cmd.Flags().Int("partitions", 71, "number of flow processing partitions")
	cmd.Flags().Duration("poll-interval", 0, "worker poll interval")
	cmd.Flags().Int("batch-size", 100, "processing requests read per partition and poll")
	cmd.Flags().Int("worker-capacity", 32, "flows processed concurrently")
	cmd.Flags().Duration("lease-ttl", 0, "flow processing lease duration")
	cmd.Flags().String("output-log-dir", "", "directory for relative LogFileOutputPlugin paths")
	return viper.BindPFlags(cmd.Flags())
}

func readConfigFile(cmd *cobra.Command) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func setupLogger() error {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	l, err := conf.Build()
	if err != nil {
		return err
	}
	logger.SetLogger(l)
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	if err := readConfigFile(cmd); err != nil {
		return err
	}
	if err := setupLogger(); err != nil {
		return err
	}
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = splitList(viper.GetString("redis-addr"))
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.SqlConfig.Driver = viper.GetString("sql-driver")
	c.cfg.SqlConfig.DSN = viper.GetString("sql-dsn")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.GrpcPort = viper.GetInt("grpc-port")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.OutputLogDir = viper.GetString("output-log-dir")
	c.cfg.ClusterConfig.NodeName = viper.GetString("node-name")
	c.cfg.ClusterConfig.BindAddr = viper.GetString("bind-addr")
	c.cfg.ClusterConfig.StartJoinAddrs = splitList(viper.GetString("join-addrs"))
	c.cfg.ClusterConfig.PartitionCount = viper.GetInt("partitions")
	c.cfg.WorkerConfig.PollInterval = viper.GetDuration("poll-interval")
	c.cfg.WorkerConfig.BatchSize = viper.GetInt("batch-size")
	c.cfg.WorkerConfig.Concurrency = viper.GetInt("worker-capacity")
	c.cfg.WorkerConfig.LeaseTTL = viper.GetDuration("lease-ttl")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	waitForSignal()
	return a.Shutdown()
}

func waitForSignal() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
}

func endpointCommand() *cobra.Command {
	conf := endpoint.Config{}
	var server string
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Run a client endpoint that answers the built-in client actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.Dial(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()
			e := endpoint.New(conf, conn)
			e.RegisterBuiltinActions()
			e.Start()
			waitForSignal()
			e.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "localhost:8099", "frontend grpc address")
	cmd.Flags().StringVar(&conf.ClientId, "client-id", "", "client id of this endpoint")
	cmd.Flags().DurationVar(&conf.PollInterval, "poll-interval", 0, "poll interval")
	cmd.Flags().IntVar(&conf.MaxMessages, "max-messages", 0, "messages fetched per poll")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "fleetflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}
	cmd.AddCommand(endpointCommand())

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
