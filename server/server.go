package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/admin/commands"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/chunkstore"
	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/rpc"
	"github.com/anoma/trusted-setup-ceremony/verifier"
)

type Server struct {
	cfg         Config
	coordinator *ceremony.Coordinator
	runner      *admin.CommandRunner
	store       chunkstore.Store
	db          *ceremony.Database

	rpcListener   net.Listener
	restListener  net.Listener
	adminListener net.Listener
}

func listen(raw string) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", raw)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}
	return lis, nil
}

func New(ctx context.Context, cfg Config) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			if cerr := s.Close(); cerr != nil {
				logging.FromContext(ctx).Warn("failed to release resources", zap.Error(cerr))
			}
		}
	}()

	if s.rpcListener, err = listen(cfg.RawRPCListener); err != nil {
		return nil, err
	}
	if s.adminListener, err = listen(cfg.RawAdminListener); err != nil {
		return nil, err
	}
	if s.restListener, err = listen(cfg.RawRESTListener); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	engine, err := verifier.New(cfg.Verifier.Engine, cfg.Verifier.Powers)
	if err != nil {
		return nil, err
	}
	s.store, err = chunkstore.Open(cfg.Store.Backend, cfg.DataDir, cfg.Store.CacheSize, cfg.Store.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}
	if cfg.Store.MigrateFrom != "" {
		if err := chunkstore.Migrate(ctx, s.store, cfg.Store.MigrateFrom, cfg.DataDir, cfg.Ceremony.Chunks); err != nil {
			return nil, fmt.Errorf("migrating chunk store: %w", err)
		}
	}
	s.db, err = ceremony.OpenDatabase(cfg.DbDir, cfg.Store.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	logging.FromContext(ctx).Info(
		"creating ceremony",
		zap.Object("ceremony", cfg.Ceremony),
		zap.Object("verifier", cfg.Verifier),
		zap.Object("store", cfg.Store),
	)
	s.coordinator, err = ceremony.New(ctx, engine, s.store, s.db, ceremony.WithConfig(cfg.Ceremony))
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	s.runner = admin.NewCommandRunner()
	commands.Register(s.runner, s.coordinator)
	return s, nil
}

// Close releases storage and any listener that was not handed to a server.
// It is safe to call more than once.
func (s *Server) Close() error {
	var result *multierror.Error
	for _, lis := range []*net.Listener{&s.rpcListener, &s.adminListener, &s.restListener} {
		if *lis == nil {
			continue
		}
		if err := (*lis).Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing state database: %w", err))
		}
		s.db = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing chunk store: %w", err))
		}
		s.store = nil
	}
	return result.ErrorOrNil()
}

func (s *Server) Coordinator() *ceremony.Coordinator {
	return s.coordinator
}

// GrpcAddr returns the address that server is listening on for participant GRPC.
func (s *Server) GrpcAddr() net.Addr {
	return s.rpcListener.Addr()
}

// AdminGrpcAddr returns the address that the operator server is listening on for GRPC.
func (s *Server) AdminGrpcAddr() net.Addr {
	return s.adminListener.Addr()
}

// GrpcRestProxyAddr returns the address that REST-GRPC proxy is listening on.
func (s *Server) GrpcRestProxyAddr() net.Addr {
	return s.restListener.Addr()
}

// Start runs the coordinator and serves the RPC endpoints until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting ceremony coordinator", zap.String("id", s.coordinator.ID()))
	serverGroup.Go(func() error {
		return s.coordinator.Run(logging.NewContext(ctx, logger.Named("coordinator")))
	})

	grpcServer := grpc.NewServer(append(
		rpc.ServerOptions(logger),
		grpc.MaxRecvMsgSize(s.cfg.MaxGrpcMsgSize),
		grpc.MaxSendMsgSize(s.cfg.MaxGrpcMsgSize),
		// XXX: this is done to prevent routers from cleaning up our connections (e.g aws load balances..)
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     time.Minute * 120,
			MaxConnectionAge:      time.Minute * 180,
			MaxConnectionAgeGrace: time.Minute * 10,
			Time:                  time.Minute,
			Timeout:               time.Minute * 3,
		}),
	)...)
	rpc.RegisterParticipantServer(grpcServer, rpc.NewParticipantServer(s.coordinator))

	// Start the gRPC server listening for HTTP/2 connections.
	serverGroup.Go(func() error {
		logger.Sugar().Infof("GRPC server listening on %s", s.rpcListener.Addr())
		return grpcServer.Serve(s.rpcListener)
	})

	adminGrpcServer := grpc.NewServer(rpc.ServerOptions(logger.Named("admin"))...)
	rpc.RegisterAdminServer(adminGrpcServer, rpc.NewAdminServer(s.runner))

	serverGroup.Go(func() error {
		logger.Sugar().Infof("Admin GRPC server listening on %s", s.adminListener.Addr())
		return adminGrpcServer.Serve(s.adminListener)
	})

	// Start the REST proxy for the gRPC server above.
	client, err := rpc.Dial(ctx, s.rpcListener.Addr().String(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(s.cfg.MaxGrpcMsgSize)),
	)
	if err != nil {
		return err
	}
	defer client.Close()
	mux, err := rpc.NewGateway(client)
	if err != nil {
		return err
	}

	servers := []*http.Server{{Handler: mux, ReadHeaderTimeout: time.Second * 5}}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("REST proxy starts listening on %s", s.restListener.Addr())
		err := servers[0].Serve(s.restListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if s.cfg.MetricsPort != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", *s.cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: time.Second * 5,
		}
		servers = append(servers, metricsServer)
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server listening on %s", metricsServer.Addr)
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	grpcServer.GracefulStop()
	adminGrpcServer.GracefulStop()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}
