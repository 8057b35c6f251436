package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Rocket-Rescue-Node/rescue-proxy/metrics"
	"github.com/credential-registry/registry-api/api"
	"github.com/credential-registry/registry-api/audit"
	"github.com/credential-registry/registry-api/database"
	"github.com/credential-registry/registry-api/external"
	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/services"
	"github.com/credential-registry/registry-api/tasks"
	"github.com/credential-registry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"go.uber.org/zap"
)

// Registry address used by the simulated ledger when none is configured.
var defaultSimulatedRegistry = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func waitForTermination() {
	// Trap termination signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received.
	<-c

	// Allow subsequent termination signals to quickly shut down by removing the trap.
	signal.Reset()
	close(c)
}

var logger *zap.Logger

// Logger initialization.
func initLogger(debug bool) error {
	var cfg zap.Config
	var err error

	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err = cfg.Build()
	return err
}

// Connects to the ledger network, or starts a simulated one.
func initLedgerBackend(cfg *config, clock clockwork.Clock) (ledger.Backend, common.Address, error) {
	if cfg.Ledger == ledgerSimulated {
		registry := cfg.RegistryAddress
		if registry == (common.Address{}) {
			registry = defaultSimulatedRegistry
		}
		logger.Warn("Using a simulated ledger. Credentials will not be anchored on a real network",
			zap.String("registry", registry.Hex()))
		return ledger.NewSimulatedBackend(cfg.ChainID, registry, clock), registry, nil
	}

	client, err := ethclient.DialContext(context.Background(), cfg.EthRPCURL)
	if err != nil {
		return nil, common.Address{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.Warn("Unable to query the chain ID. The network may be unreachable", zap.Error(err))
	} else if chainID.Cmp(cfg.ChainID) != 0 {
		client.Close()
		return nil, common.Address{}, fmt.Errorf("network chain ID %s does not match -chain-id %s", chainID, cfg.ChainID)
	}
	return client, cfg.RegistryAddress, nil
}

func initWallet(cfg *config) (*util.Wallet, error) {
	if cfg.SignerKey == "" {
		// Only allowed with the simulated ledger.
		return util.NewWallet()
	}
	return util.WalletFromHex(cfg.SignerKey)
}

func initStorage(cfg *config) external.Storage {
	if cfg.Storage == storageMemory {
		logger.Warn("Using in-memory document storage. Documents are lost on restart")
		return external.NewMemoryStorage(cfg.IPFSGatewayURL)
	}
	return external.NewIPFSClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL, logger)
}

func initAuditSink(cfg *config, db *sql.DB) (audit.Sink, error) {
	if cfg.AuditLog != "" {
		return audit.NewJSONLSink(cfg.AuditLog)
	}
	return audit.NewSQLSink(db)
}

func main() {
	var cfg config
	var err error

	// Parse command line arguments.
	if cfg, err = parseArguments(); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing command-line arguments: %v\n", err)
		os.Exit(1)
	}

	// Initialize the logger.
	if err := initLogger(cfg.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// Initialize metrics. The handler is served alongside the API.
	metricsHandler, err := metrics.Init("registry_api")
	if err != nil {
		logger.Fatal("Unable to initialize metrics", zap.Error(err))
	}
	defer metrics.Deinit()

	// Connect to the database and initialize the database schema, if necessary.
	var db *sql.DB
	db, err = database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Unable to open the database connection", zap.Error(err))
	}
	defer db.Close()

	// Clock
	clock := clockwork.NewRealClock()

	// Ledger client. Writes are signed by a single identity; nonces are handed out by a
	// sequencer, shared through Redis when several instances sign with the same identity.
	backend, registry, err := initLedgerBackend(&cfg, clock)
	if err != nil {
		logger.Fatal("Unable to connect to the ledger network", zap.Error(err))
	}
	wallet, err := initWallet(&cfg)
	if err != nil {
		logger.Fatal("Unable to load the signing identity", zap.Error(err))
	}
	var sequencer ledger.Sequencer
	if len(cfg.RedisAddrs) > 0 {
		rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.RedisAddrs})
		defer rc.Close()
		sequencer = ledger.NewRedisSequencer(rc, backend, *wallet.Address, logger)
		logger.Info("Sequencing nonces through Redis", zap.Strings("addrs", cfg.RedisAddrs))
	}
	ledgerClient := ledger.NewClient(&ledger.Config{
		Backend:        backend,
		Registry:       registry,
		Wallet:         wallet,
		ChainID:        cfg.ChainID,
		Sequencer:      sequencer,
		GasMargin:      cfg.GasMargin,
		ConfirmTimeout: cfg.ConfirmTimeout,
		CallTimeout:    cfg.CallTimeout,
		Logger:         logger,
	})
	logger.Info("Ledger client ready",
		zap.String("mode", cfg.Ledger),
		zap.String("registry", registry.Hex()),
		zap.String("signer", ledgerClient.Address().Hex()))

	sink, err := initAuditSink(&cfg, db)
	if err != nil {
		logger.Fatal("Unable to open the audit sink", zap.Error(err))
	}
	defer sink.Close()

	// Services contain the business logic and are used by the API handlers.
	svcCfg := &services.ServiceConfig{
		DB:      db,
		Ledger:  ledgerClient,
		Storage: initStorage(&cfg),
		Audit:   sink,
		Logger:  logger,
		Clock:   clock,
		WorkDir: cfg.WorkDir,
	}
	svc := services.NewService(svcCfg)
	if err := svc.Init(); err != nil {
		logger.Fatal("Unable to initialize the service layer", zap.Error(err))
	}

	// Health of the ledger connection, served over gRPC and kept current by a background task.
	healthServer := health.NewServer()
	networkStatus := tasks.NewNetworkStatusTask(ledgerClient, healthServer, logger)
	go networkStatus.Run()

	// Background task to reconcile recent credentials with the ledger.
	var reconcile *tasks.ReconcileTask
	if cfg.ReconcileInterval > 0 {
		reconcile = tasks.NewReconcileTask(svc, cfg.ReconcileInterval, cfg.ReconcileWindow, cfg.ReconcileContent, clock, logger)
		go reconcile.Run()
	}

	var grpcServer *grpc.Server
	var serverWaitGroup sync.WaitGroup
	if cfg.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.GRPCAddr, err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		serverWaitGroup.Add(1)
		go func() {
			logger.Info("Starting gRPC health server", zap.String("url", cfg.GRPCAddr))
			if err := grpcServer.Serve(grpcListener); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
			serverWaitGroup.Done()
		}()
	}

	// Create the API router.
	path := "/registry/v1/"
	router := api.NewAPIRouter(path, svc, cfg.AllowedOrigins, logger)
	http.Handle(path, router)
	http.Handle("/metrics", metricsHandler)

	// Listen on the provided address. This listener will be used by the HTTP server.
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	// Spin up the HTTP server on a different goroutine, since it blocks.
	server := http.Server{}
	serverWaitGroup.Add(1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("url", cfg.ListenAddr))
		if err := server.Serve(listener); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
		serverWaitGroup.Done()
	}()

	waitForTermination()

	// Shut down gracefully
	logger.Info("Received termination signal, shutting down...")
	_ = server.Shutdown(context.Background())
	listener.Close()
	if grpcServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}

	// Wait for the listeners/servers to exit
	serverWaitGroup.Wait()

	// Stop the background tasks
	if reconcile != nil {
		if err = reconcile.Stop(); err != nil {
			logger.Error("Error stopping background tasks", zap.Error(err))
		}
	}
	if err = networkStatus.Stop(); err != nil {
		logger.Error("Error stopping background tasks", zap.Error(err))
	}

	// Shut down the service layer
	svc.Deinit()

	logger.Info("Shutdown complete")

	_ = logger.Sync()
}
