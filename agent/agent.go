package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/mohitkumar/fleetflow/cluster"
	"github.com/mohitkumar/fleetflow/config"
	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flows"
	"github.com/mohitkumar/fleetflow/frontend"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/outputplugin"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/persistence/memory"
	"github.com/mohitkumar/fleetflow/persistence/redis"
	"github.com/mohitkumar/fleetflow/persistence/sqlstore"
	"github.com/mohitkumar/fleetflow/rest"
	"github.com/mohitkumar/fleetflow/worker"
)

type Agent struct {
	Config       config.Config
	store        persistence.Store
	ring         *cluster.Ring
	membership   *cluster.Membership
	flowService  *flow.FlowService
	worker       *worker.Worker
	httpServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	shutdown     bool
	shutdownLock sync.Mutex
}

func New(config config.Config) (*Agent, error) {
	a := &Agent{
		Config: config,
	}
	setup := []func() error{
		a.setupStore,
		a.setupCluster,
		a.setupFlowService,
		a.setupWorker,
		a.setupHttpServer,
		a.setupGrpcServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStore() error {
	var err error
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_INMEM:
		a.store = memory.NewStore()
	case config.STORAGE_TYPE_REDIS:
		a.store = redis.NewStore(redis.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
			Password:  a.Config.RedisConfig.Password,
		})
	case config.STORAGE_TYPE_SQL:
		a.store, err = sqlstore.Open(context.Background(), sqlstore.Config{
			Driver: a.Config.SqlConfig.Driver,
			DSN:    a.Config.SqlConfig.DSN,
		})
	default:
		err = fmt.Errorf("unsupported storage type %q", a.Config.StorageType)
	}
	return err
}

func (a *Agent) setupCluster() error {
	conf := a.Config.ClusterConfig
	if conf.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		conf.NodeName = hostname
		a.Config.ClusterConfig.NodeName = hostname
	}
	rpcAddr := fmt.Sprintf(":%d", a.Config.GrpcPort)
	a.ring = cluster.NewRing(cluster.RingConfig{PartitionCount: conf.PartitionCount})
	if err := a.ring.Join(conf.NodeName, rpcAddr, true); err != nil {
		return err
	}
	if conf.BindAddr == "" {
		return nil
	}
	var err error
	a.membership, err = cluster.NewMembership(a.ring, cluster.Config{
		NodeName:       conf.NodeName,
		BindAddr:       conf.BindAddr,
		Tags:           map[string]string{"rpc_addr": rpcAddr},
		StartJoinAddrs: conf.StartJoinAddrs,
	})
	return err
}

func (a *Agent) setupFlowService() error {
	registry := flow.NewRegistry()
	if err := flows.Register(registry); err != nil {
		return err
	}
	plugins := outputplugin.DefaultRegistry()
	if a.Config.OutputLogDir != "" {
		plugins.Register(outputplugin.LogFilePluginName, outputplugin.LogFileFactory(a.Config.OutputLogDir))
	}
	a.flowService = flow.NewFlowService(flow.Config{
		Store:       a.store,
		Registry:    registry,
		Plugins:     plugins,
		Partitioner: a.ring,
		LeaseOwner:  a.Config.ClusterConfig.NodeName,
		LeaseTTL:    a.Config.WorkerConfig.LeaseTTL,
	})
	return nil
}

func (a *Agent) setupWorker() error {
	conf := a.Config.WorkerConfig
	a.worker = worker.NewWorker(worker.Config{
		PollInterval: conf.PollInterval,
		BatchSize:    conf.BatchSize,
		Concurrency:  conf.Concurrency,
	}, a.flowService, a.store, a.ring)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.flowService, a.ring)
	return err
}

func (a *Agent) setupGrpcServer() error {
	var err error
	a.grpcServer, err = frontend.NewGrpcServer(&frontend.GrpcConfig{
		FlowService: a.flowService,
	})
	if err != nil {
		return err
	}
	a.grpcListener, err = net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
	return err
}

func (a *Agent) FlowService() *flow.FlowService {
	return a.flowService
}

func (a *Agent) GrpcAddr() net.Addr {
	return a.grpcListener.Addr()
}

func (a *Agent) Start() error {
	if err := a.worker.Start(); err != nil {
		return err
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()

	go func() {
		logger.Info("starting grpc server on", zap.String("addr", a.grpcListener.Addr().String()))
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	logger.Info("shutting down server")

	shutdown := []func() error{
		func() error {
			logger.Info("stopping grpc server")
			a.grpcServer.GracefulStop()
			return nil
		},
		a.httpServer.Stop,
		a.worker.Stop,
		func() error {
			if a.membership == nil {
				return nil
			}
			return a.membership.Shutdown()
		},
		a.store.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
