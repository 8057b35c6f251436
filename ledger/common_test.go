package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/credential-registry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	testChainID  = big.NewInt(1337)
	testRegistry = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func testLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		t.Fatalf("Could not create logger: %v", err)
	}
	return logger
}

// Create a client backed by a simulated registry.
func setupTestClient(t *testing.T) (*Client, *SimulatedBackend) {
	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatalf("Could not create wallet: %v", err)
	}
	backend := NewSimulatedBackend(testChainID, testRegistry, clockwork.NewFakeClock())
	client := NewClient(&Config{
		Backend:        backend,
		Registry:       testRegistry,
		Wallet:         wallet,
		ChainID:        testChainID,
		ConfirmTimeout: 2 * time.Second,
		ReadRetryDelay: time.Millisecond,
		Logger:         testLogger(t),
	})
	return client, backend
}
