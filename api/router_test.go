package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Rocket-Rescue-Node/rescue-proxy/metrics"
	"github.com/credential-registry/registry-api/audit"
	"github.com/credential-registry/registry-api/database"
	"github.com/credential-registry/registry-api/external"
	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/services"
	"github.com/credential-registry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	basePath           = "/registry/v1/"
	transcriptMetadata = `{"studentName":"Ada Lovelace","program":"Mathematics","courses":[{"code":"MATH101","grade":"A"}]}`
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func setupTestRouter(t *testing.T) (http.Handler, *ledger.SimulatedBackend) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "registry.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	wallet, err := util.NewWallet()
	require.NoError(t, err)
	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	backend := ledger.NewSimulatedBackend(big.NewInt(1337), registry, clockwork.NewRealClock())
	client := ledger.NewClient(&ledger.Config{
		Backend:        backend,
		Registry:       registry,
		Wallet:         wallet,
		ChainID:        big.NewInt(1337),
		ConfirmTimeout: 100 * time.Millisecond,
		ReadRetryDelay: time.Millisecond,
		Logger:         logger,
	})
	sink, err := audit.NewSQLSink(db)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	_, err = metrics.Init(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		metrics.Deinit()
	})

	svc := services.NewService(&services.ServiceConfig{
		DB:      db,
		Ledger:  client,
		Storage: external.NewMemoryStorage("https://gateway.test"),
		Audit:   sink,
		Logger:  logger,
		Clock:   clockwork.NewRealClock(),
		WorkDir: filepath.Join(dir, "work"),
	})
	require.NoError(t, svc.Init())
	t.Cleanup(svc.Deinit)

	return NewAPIRouter(basePath, svc, []string{"https://verify.example"}, logger), backend
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, basePath+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func issueBody(subjectKey string, doc []byte) *IssueCredentialRequest {
	return &IssueCredentialRequest{
		SubjectKey:   subjectKey,
		DocumentType: "TRANSCRIPT",
		Document:     doc,
		Metadata:     json.RawMessage(transcriptMetadata),
		Actor:        "registrar",
	}
}

func TestCredentialLifecycle(t *testing.T) {
	h, _ := setupTestRouter(t)
	doc := []byte("%PDF-1.7 transcript")
	start := time.Now().Add(-time.Minute)

	rec, env := do(t, h, "POST", "credentials", issueBody("S1", doc))
	require.Equal(t, http.StatusCreated, rec.Code, env.Error)
	var issued CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	assert.Equal(t, util.Fingerprint(doc), issued.Fingerprint)
	assert.Equal(t, "subject", issued.KeyForm)
	assert.NotEmpty(t, issued.Issuance.TxHash)
	assert.Nil(t, issued.Revocation)

	rec, env = do(t, h, "POST", "credentials", issueBody("S1", []byte("other")))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, env.Error)

	rec, env = do(t, h, "GET", "credentials/S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, issued.ID, got.ID)

	rec, _ = do(t, h, "GET", "credentials/S9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	end := time.Now().Add(time.Minute)
	rec, env = do(t, h, "GET", "credentials?from="+strconv.FormatInt(start.Unix(), 10)+"&to="+end.Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var list []CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	rec, _ = do(t, h, "GET", "credentials?from=yesterday&to=today", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, h, "GET", "credentials/S1/reconcile?content=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var report services.ReconcileReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Consistent)
	assert.True(t, report.ContentChecked)

	rec, env = do(t, h, "POST", "credentials/S1/revoke", &RevokeCredentialRequest{Reason: "error", Actor: "dean"})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var revoked CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &revoked))
	assert.True(t, revoked.IsRevoked)
	require.NotNil(t, revoked.Revocation)
	assert.NotEmpty(t, revoked.Revocation.TxHash)

	rec, _ = do(t, h, "POST", "credentials/S1/revoke", &RevokeCredentialRequest{Reason: "again"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, h, "GET", "credentials/S1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &events))
	assert.Len(t, events, 2)
}

func TestVerifyEndpoint(t *testing.T) {
	h, backend := setupTestRouter(t)
	doc := []byte("%PDF-1.7 transcript")

	rec, env := do(t, h, "POST", "credentials", issueBody("S1", doc))
	require.Equal(t, http.StatusCreated, rec.Code, env.Error)

	verify := func(req *VerifyCredentialRequest) VerifyCredentialResponse {
		t.Helper()
		rec, env := do(t, h, "POST", "verify", req)
		require.Equal(t, http.StatusOK, rec.Code, env.Error)
		var resp VerifyCredentialResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		return resp
	}

	resp := verify(&VerifyCredentialRequest{Identifier: "S1", Document: doc})
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.Credential)
	assert.Equal(t, int64(1), resp.Credential.VerificationCount)

	// Negative verdicts are still 200.
	resp = verify(&VerifyCredentialRequest{Identifier: "S1", Document: []byte("forged")})
	assert.False(t, resp.Valid)
	assert.True(t, resp.Tampered)
	assert.True(t, resp.Exists)

	resp = verify(&VerifyCredentialRequest{Identifier: "nobody"})
	assert.False(t, resp.Exists)

	backend.FailCalls(errors.New("rpc down"))
	resp = verify(&VerifyCredentialRequest{Identifier: "S1", Document: doc})
	assert.False(t, resp.Valid)
	assert.True(t, resp.LedgerUnavailable)
	backend.FailCalls(nil)

	rec, _ = do(t, h, "POST", "verify", &VerifyCredentialRequest{Identifier: "S1", Fingerprint: "0x12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestDecoding(t *testing.T) {
	h, backend := setupTestRouter(t)

	// Wrong content type.
	req := httptest.NewRequest("POST", basePath+"verify", bytes.NewReader([]byte(`{"identifier":"S1"}`)))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	// Unknown fields and trailing objects.
	for _, body := range []string{`{"identifier":"S1","extra":1}`, `{"identifier":"S1"}{}`, `not json`} {
		req := httptest.NewRequest("POST", basePath+"verify", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	// Oversized revocation request.
	reason := bytes.Repeat([]byte("a"), maxRevokeRequestSize)
	oversized := append(append([]byte(`{"reason":"`), reason...), []byte(`"}`)...)
	req = httptest.NewRequest("POST", basePath+"credentials/S1/revoke", bytes.NewReader(oversized))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	body := issueBody("S1", []byte("doc"))
	body.KeyForm = "wallet"
	rec, _ = do(t, h, "POST", "credentials", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = issueBody("S1", []byte("doc"))
	body.Metadata = json.RawMessage(`{"studentName":"Ada"}`)
	rec, _ = do(t, h, "POST", "credentials", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	backend.FailGasEstimation(errors.New("estimation failed"))
	rec, _ = do(t, h, "POST", "credentials", issueBody("S1", []byte("doc")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	backend.FailGasEstimation(nil)

	backend.WithholdReceipts(true)
	rec, env := do(t, h, "POST", "credentials", issueBody("S1", []byte("doc")))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, env.Error, "0x")
}

func TestNetworkEndpointAndCORS(t *testing.T) {
	h, backend := setupTestRouter(t)

	rec, env := do(t, h, "GET", "network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status NetworkStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Reachable)

	backend.SetUnreachable(true)
	rec, env = do(t, h, "GET", "network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.Reachable)
	assert.Equal(t, "0", status.GasPrice)

	req := httptest.NewRequest("OPTIONS", basePath+"verify", nil)
	req.Header.Set("Origin", "https://verify.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://verify.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
