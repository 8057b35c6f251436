package main

import (
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/credential-registry/registry-api/ledger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	ledgerRPC       = "rpc"
	ledgerSimulated = "simulated"
	storageIPFS     = "ipfs"
	storageMemory   = "memory"
)

// Application configuration.
type config struct {
	ListenAddr string
	GRPCAddr   string
	DBPath     string
	WorkDir    string
	AuditLog   string

	Ledger          string
	EthRPCURL       string
	RegistryAddress common.Address
	SignerKey       string
	ChainID         *big.Int
	GasMargin       float64
	ConfirmTimeout  time.Duration
	CallTimeout     time.Duration
	RedisAddrs      []string

	Storage        string
	IPFSAPIURL     string
	IPFSGatewayURL string

	ReconcileInterval time.Duration
	ReconcileWindow   time.Duration
	ReconcileContent  bool

	AllowedOrigins []string
	Debug          bool
}

func validateURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s argument: %v", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s argument: invalid scheme '%s'", name, u.Scheme)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Parse command-line arguments.
// Returns a config struct with the parsed arguments.
func parseArguments() (config, error) {
	addr := flag.String("addr", "0.0.0.0:8080", "Address on which to listen to HTTP requests")
	grpcAddr := flag.String("grpc-addr", "0.0.0.0:8081", "Address on which to serve the gRPC health service. Empty disables it")
	dbPath := flag.String("db-path", "db.sqlite3", "sqlite3 database path")
	workDir := flag.String("work-dir", "", "Directory for transient document files. Defaults to the system temp dir")
	auditLog := flag.String("audit-log", "", "Path of a JSONL audit log. Empty stores audit events in the database")
	ledgerMode := flag.String("ledger", ledgerRPC, "Ledger backend: rpc or simulated")
	ethRPCURL := flag.String("eth-rpc-url", "http://127.0.0.1:8545", "URL of the ledger network's JSON-RPC endpoint")
	registryAddress := flag.String("registry-address", "", "Address of the credential registry contract")
	signerKey := flag.String("signer-key", "", "Hex-encoded private key of the signing identity")
	chainID := flag.Int64("chain-id", 1337, "Chain ID of the ledger network")
	gasMargin := flag.Float64("gas-margin", ledger.DefaultGasMargin, "Multiplier applied to gas estimates")
	confirmTimeout := flag.String("confirm-timeout", ledger.DefaultConfirmTimeout.String(), "How long to wait for a ledger write to be confirmed")
	callTimeout := flag.String("call-timeout", ledger.DefaultCallTimeout.String(), "Timeout of a single ledger RPC")
	redisAddrs := flag.String("redis-addrs", "", "Comma-separated Redis addresses. Enables nonce sequencing across instances")
	storage := flag.String("storage", storageIPFS, "Document storage: ipfs or memory")
	ipfsAPIURL := flag.String("ipfs-api-url", "http://127.0.0.1:5001", "URL of the IPFS node's HTTP API")
	ipfsGatewayURL := flag.String("ipfs-gateway-url", "https://ipfs.io", "URL of the IPFS gateway used for document links")
	reconcileInterval := flag.String("reconcile-interval", "1h", "How often to reconcile recent credentials with the ledger. 0 disables it")
	reconcileWindow := flag.String("reconcile-window", "24h", "How far back each reconciliation looks")
	reconcileContent := flag.Bool("reconcile-content", false, "Whether reconciliation re-fetches and re-fingerprints stored documents")
	allowedOrigins := flag.String("allowed-origins", "*", "Comma-separated list of origins allowed by CORS")
	debug := flag.Bool("debug", false, "Whether to enable verbose logging")
	flag.Parse()

	if _, _, err := net.SplitHostPort(*addr); err != nil {
		return config{}, fmt.Errorf("invalid -addr argument: %v", err)
	}
	if *grpcAddr != "" {
		if _, _, err := net.SplitHostPort(*grpcAddr); err != nil {
			return config{}, fmt.Errorf("invalid -grpc-addr argument: %v", err)
		}
	}

	switch *ledgerMode {
	case ledgerRPC:
		if err := validateURL("-eth-rpc-url", *ethRPCURL); err != nil {
			return config{}, err
		}
		if *signerKey == "" {
			return config{}, errors.New("-signer-key is required with -ledger=rpc")
		}
	case ledgerSimulated:
	default:
		return config{}, fmt.Errorf("invalid -ledger argument: %s", *ledgerMode)
	}

	var registry common.Address
	if *registryAddress != "" {
		if !common.IsHexAddress(*registryAddress) {
			return config{}, fmt.Errorf("invalid -registry-address argument: %s", *registryAddress)
		}
		registry = common.HexToAddress(*registryAddress)
	} else if *ledgerMode == ledgerRPC {
		return config{}, errors.New("-registry-address is required with -ledger=rpc")
	}

	if *chainID <= 0 {
		return config{}, fmt.Errorf("invalid -chain-id argument: %d", *chainID)
	}
	if *gasMargin < 1.0 {
		return config{}, fmt.Errorf("invalid -gas-margin argument: %v is below 1.0", *gasMargin)
	}

	durations := make(map[string]time.Duration)
	for name, value := range map[string]string{
		"-confirm-timeout":    *confirmTimeout,
		"-call-timeout":       *callTimeout,
		"-reconcile-interval": *reconcileInterval,
		"-reconcile-window":   *reconcileWindow,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return config{}, fmt.Errorf("invalid %s argument: %v", name, err)
		}
		if d < 0 {
			return config{}, fmt.Errorf("invalid %s argument: negative duration", name)
		}
		durations[name] = d
	}

	redis := splitList(*redisAddrs)
	for _, a := range redis {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return config{}, fmt.Errorf("invalid -redis-addrs argument: %v", err)
		}
	}

	switch *storage {
	case storageIPFS:
		if err := validateURL("-ipfs-api-url", *ipfsAPIURL); err != nil {
			return config{}, err
		}
	case storageMemory:
	default:
		return config{}, fmt.Errorf("invalid -storage argument: %s", *storage)
	}
	if err := validateURL("-ipfs-gateway-url", *ipfsGatewayURL); err != nil {
		return config{}, err
	}

	return config{
		ListenAddr:        *addr,
		GRPCAddr:          *grpcAddr,
		DBPath:            *dbPath,
		WorkDir:           *workDir,
		AuditLog:          *auditLog,
		Ledger:            *ledgerMode,
		EthRPCURL:         *ethRPCURL,
		RegistryAddress:   registry,
		SignerKey:         *signerKey,
		ChainID:           big.NewInt(*chainID),
		GasMargin:         *gasMargin,
		ConfirmTimeout:    durations["-confirm-timeout"],
		CallTimeout:       durations["-call-timeout"],
		RedisAddrs:        redis,
		Storage:           *storage,
		IPFSAPIURL:        *ipfsAPIURL,
		IPFSGatewayURL:    strings.TrimRight(*ipfsGatewayURL, "/"),
		ReconcileInterval: durations["-reconcile-interval"],
		ReconcileWindow:   durations["-reconcile-window"],
		ReconcileContent:  *reconcileContent,
		AllowedOrigins:    splitList(*allowedOrigins),
		Debug:             *debug,
	}, nil
}
