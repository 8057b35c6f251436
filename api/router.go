package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type apiRouter struct {
	svc    *services.Service
	logger *zap.Logger
}

func (ar *apiRouter) IssueCredential(w http.ResponseWriter, r *http.Request) error {
	// Try to decode the request body.
	var req IssueCredentialRequest
	if err := readJSONRequest(w, r, &req, maxIssueRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	ar.logger.Info("Got credential issuance request",
		zap.String("subjectKey", req.SubjectKey),
		zap.String("documentType", req.DocumentType),
		zap.String("keyForm", req.KeyForm),
		zap.Int("documentSize", len(req.Document)),
		zap.String("actor", req.Actor),
	)

	keyForm, err := parseKeyForm(req.KeyForm)
	if err != nil {
		return writeJSONError(w, err)
	}

	cred, err := ar.svc.IssueCredential(r.Context(), &services.IssueRequest{
		SubjectKey:    req.SubjectKey,
		LegacyAddress: req.LegacyAddress,
		KeyForm:       keyForm,
		DocumentType:  models.DocumentType(req.DocumentType),
		Document:      req.Document,
		Metadata:      req.Metadata,
		Actor:         req.Actor,
	})
	if err != nil {
		return writeJSONError(w, err)
	}

	return writeJSONResponse(w, http.StatusCreated, newCredentialResponse(cred, ar.svc.Summarize(cred)), "")
}

func (ar *apiRouter) GetCredential(w http.ResponseWriter, r *http.Request) error {
	cred, err := ar.svc.GetCredential(r.Context(), mux.Vars(r)["subjectKey"])
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, newCredentialResponse(cred, ar.svc.Summarize(cred)), "")
}

// parseTime accepts RFC 3339 timestamps and unix seconds.
func parseTime(name, value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, &decodingError{status: http.StatusBadRequest, msg: "invalid " + name + " parameter"}
}

func (ar *apiRouter) ListCredentials(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"))
	if err != nil {
		return writeJSONError(w, err)
	}
	to, err := parseTime("to", q.Get("to"))
	if err != nil {
		return writeJSONError(w, err)
	}

	creds, err := ar.svc.ListCredentials(r.Context(), from, to)
	if err != nil {
		return writeJSONError(w, err)
	}
	resp := make([]*CredentialResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, newCredentialResponse(c, ar.svc.Summarize(c)))
	}
	return writeJSONResponse(w, http.StatusOK, resp, "")
}

func (ar *apiRouter) RevokeCredential(w http.ResponseWriter, r *http.Request) error {
	var req RevokeCredentialRequest
	if err := readJSONRequest(w, r, &req, maxRevokeRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	subjectKey := mux.Vars(r)["subjectKey"]
	ar.logger.Info("Got credential revocation request",
		zap.String("subjectKey", subjectKey),
		zap.String("reason", req.Reason),
		zap.String("actor", req.Actor),
	)

	cred, err := ar.svc.RevokeCredential(r.Context(), subjectKey, req.Reason, req.Actor)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, newCredentialResponse(cred, ar.svc.Summarize(cred)), "")
}

func (ar *apiRouter) ReconcileCredential(w http.ResponseWriter, r *http.Request) error {
	checkContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))
	report, err := ar.svc.ReconcileCredential(r.Context(), mux.Vars(r)["subjectKey"], checkContent)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, report, "")
}

func (ar *apiRouter) GetCredentialEvents(w http.ResponseWriter, r *http.Request) error {
	events, err := ar.svc.CredentialEvents(r.Context(), mux.Vars(r)["subjectKey"])
	if err != nil {
		return writeJSONError(w, err)
	}
	if events == nil {
		events = []*models.CredentialEvent{}
	}
	return writeJSONResponse(w, http.StatusOK, events, "")
}

// VerifyCredential always answers 200 for a well-formed request. The verdict is in the body.
func (ar *apiRouter) VerifyCredential(w http.ResponseWriter, r *http.Request) error {
	var req VerifyCredentialRequest
	if err := readJSONRequest(w, r, &req, maxVerifyRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	res, err := ar.svc.VerifyCredential(r.Context(), &services.VerifyRequest{
		Identifier:  req.Identifier,
		Document:    req.Document,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return writeJSONError(w, err)
	}

	ar.logger.Info("Verified credential",
		zap.String("identifier", req.Identifier),
		zap.Bool("valid", res.Valid),
		zap.Bool("exists", res.Exists),
		zap.Bool("revoked", res.Revoked),
		zap.Bool("tampered", res.Tampered))

	return writeJSONResponse(w, http.StatusOK, newVerifyCredentialResponse(res), "")
}

func (ar *apiRouter) GetNetworkStatus(w http.ResponseWriter, r *http.Request) error {
	status := ar.svc.NetworkStatus(r.Context())
	resp := NetworkStatusResponse{NetworkStatus: status, Timestamp: time.Now().Unix()}
	return writeJSONResponse(w, http.StatusOK, resp, "")
}

// Wrapper to log unhandled errors.
// Note that this wrapper is only for last resort errors. For example, caused by
// error handling functions not being able to write a response to the client.
func (ar *apiRouter) wrapHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			ar.logger.Error("Error handling request", zap.Error(err))
		}
	}
}

func NewAPIRouter(path string, svc *services.Service, origins []string, logger *zap.Logger) *mux.Router {
	// Create router.
	ah := &apiRouter{
		svc,
		logger,
	}
	r := mux.NewRouter()
	sr := r.PathPrefix(path).Subrouter()

	// Register handlers.
	sr.HandleFunc("/credentials", ah.wrapHandler(ah.IssueCredential)).Methods("POST", "OPTIONS")
	sr.HandleFunc("/credentials", ah.wrapHandler(ah.ListCredentials)).Methods("GET")
	sr.HandleFunc("/credentials/{subjectKey}", ah.wrapHandler(ah.GetCredential)).Methods("GET", "OPTIONS")
	sr.HandleFunc("/credentials/{subjectKey}/revoke", ah.wrapHandler(ah.RevokeCredential)).Methods("POST", "OPTIONS")
	sr.HandleFunc("/credentials/{subjectKey}/reconcile", ah.wrapHandler(ah.ReconcileCredential)).Methods("GET", "OPTIONS")
	sr.HandleFunc("/credentials/{subjectKey}/events", ah.wrapHandler(ah.GetCredentialEvents)).Methods("GET", "OPTIONS")
	sr.HandleFunc("/verify", ah.wrapHandler(ah.VerifyCredential)).Methods("POST", "OPTIONS")
	sr.HandleFunc("/network", ah.wrapHandler(ah.GetNetworkStatus)).Methods("GET", "OPTIONS")

	// CORS support.
	ch := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		Debug:            logger.Level() == zap.DebugLevel,
	})
	sr.Use(ch.Handler)

	return r
}
