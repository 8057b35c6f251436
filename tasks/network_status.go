package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/credential-registry/registry-api/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// Health service name reported for the ledger connection.
	LedgerHealthService = "registry.v1.Ledger"

	networkStatusInterval      = 15 * time.Second
	networkStatusRetryInterval = 5 * time.Second
)

// StatusSource reports the liveness of the ledger network.
type StatusSource interface {
	NetworkStatus(ctx context.Context) ledger.NetworkStatus
}

// NetworkStatusTask polls the ledger network and publishes its liveness on the health server.
type NetworkStatusTask struct {
	src    StatusSource
	health *health.Server
	done   chan bool
	logger *zap.Logger

	lock   sync.RWMutex
	status ledger.NetworkStatus
}

func NewNetworkStatusTask(src StatusSource, health *health.Server, logger *zap.Logger) *NetworkStatusTask {
	return &NetworkStatusTask{
		src:    src,
		health: health,
		done:   make(chan bool),
		logger: logger,
	}
}

// Status returns the last polled status.
func (t *NetworkStatusTask) Status() ledger.NetworkStatus {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.status
}

func (t *NetworkStatusTask) update(ctx context.Context) ledger.NetworkStatus {
	status := t.src.NetworkStatus(ctx)

	t.lock.Lock()
	previous := t.status
	t.status = status
	t.lock.Unlock()

	serving := healthpb.HealthCheckResponse_SERVING
	if !status.Reachable {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	t.health.SetServingStatus(LedgerHealthService, serving)

	if status.Reachable != previous.Reachable {
		if status.Reachable {
			t.logger.Info("Ledger network is reachable",
				zap.Uint64("blockHeight", status.BlockHeight),
				zap.String("gasPrice", status.GasPrice))
		} else {
			t.logger.Warn("Ledger network is unreachable")
		}
	}
	return status
}

func (t *NetworkStatusTask) Run() {
	ticker := time.NewTicker(time.Duration(1) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Network status task stopped")
			return
		case <-ticker.C:
			if status := t.update(context.Background()); !status.Reachable {
				ticker.Reset(networkStatusRetryInterval)
			} else {
				ticker.Reset(networkStatusInterval)
			}
		}
	}
}

func (t *NetworkStatusTask) Stop() error {
	t.done <- true
	return nil
}
