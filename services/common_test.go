package services

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rocket-Rescue-Node/rescue-proxy/metrics"
	"github.com/credential-registry/registry-api/audit"
	"github.com/credential-registry/registry-api/database"
	"github.com/credential-registry/registry-api/external"
	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	transcriptMetadata    = `{"studentName":"Ada Lovelace","program":"Mathematics","courses":[{"code":"MATH101","title":"Analysis","credits":4,"grade":"A"}]}`
	certificationMetadata = `{"recipientName":"Ada Lovelace","certificateName":"Data Engineering","issueDate":"2024-06-30"}`
)

var (
	testChainID  = big.NewInt(1337)
	testRegistry = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

// Collaborators of a test service, exposed so tests can inject faults.
type testDeps struct {
	backend *ledger.SimulatedBackend
	client  *ledger.Client
	storage *external.MemoryStorage
	audit   *audit.SQLSink
	workDir string
}

// Create a new service backed by a temporary database, a simulated ledger and in-memory storage.
//
// The database uses a single connection, like the main application (see database.go),
// so concurrent pipelines queue on it.
func setupTestService(t *testing.T, clock clockwork.Clock) (*Service, *testDeps, error) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "registry.sqlite3"))
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() {
		db.Close()
	})

	// Logger
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return nil, nil, err
	}

	wallet, err := util.NewWallet()
	if err != nil {
		return nil, nil, err
	}
	backend := ledger.NewSimulatedBackend(testChainID, testRegistry, clock)
	client := ledger.NewClient(&ledger.Config{
		Backend:        backend,
		Registry:       testRegistry,
		Wallet:         wallet,
		ChainID:        testChainID,
		ConfirmTimeout: 100 * time.Millisecond,
		ReadRetryDelay: time.Millisecond,
		Logger:         logger,
	})

	sink, err := audit.NewSQLSink(db)
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() {
		sink.Close()
	})

	deps := &testDeps{
		backend: backend,
		client:  client,
		storage: external.NewMemoryStorage("https://gateway.test"),
		audit:   sink,
		workDir: filepath.Join(dir, "work"),
	}
	config := &ServiceConfig{
		DB:      db,
		Ledger:  client,
		Storage: deps.storage,
		Audit:   sink,
		Logger:  logger,
		Clock:   clock,
		WorkDir: deps.workDir,
	}

	_, err = metrics.Init(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		metrics.Deinit()
	})
	return NewService(config), deps, nil
}

// Create and initialize a service, failing the test on error.
func mustSetupTestService(t *testing.T, clock clockwork.Clock) (*Service, *testDeps) {
	svc, deps, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	if err = svc.Init(); err != nil {
		t.Fatalf("Could not initialize service: %v", err)
	}
	t.Cleanup(svc.Deinit)
	return svc, deps
}

func newTranscriptRequest(subjectKey string, document []byte) *IssueRequest {
	return &IssueRequest{
		SubjectKey:   subjectKey,
		DocumentType: models.DocumentTranscript,
		Document:     document,
		Metadata:     json.RawMessage(transcriptMetadata),
		Actor:        "registrar",
	}
}

// Fail the test if the work dir holds any file.
func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Could not read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected no transient files, found %d (first: %s)", len(entries), entries[0].Name())
	}
}

// Fail the test if any issuance reservation is left.
func assertNoReservations(t *testing.T, svc *Service) {
	t.Helper()
	var n int
	if err := svc.db.QueryRow("SELECT COUNT(*) FROM issuance_reservations").Scan(&n); err != nil {
		t.Fatalf("Could not count reservations: %v", err)
	}
	if n != 0 {
		t.Fatalf("Expected no reservations, found %d", n)
	}
}
