package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/services"
)

const (
	// Documents travel base64-encoded, so leave room for a maximum size document.
	maxIssueRequestSize  = 28 * 1024 * 1024
	maxVerifyRequestSize = 28 * 1024 * 1024
	maxRevokeRequestSize = 2048
)

type response struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type decodingError struct {
	status int
	msg    string
}

func (br *decodingError) Error() string {
	return br.msg
}

type IssueCredentialRequest struct {
	SubjectKey    string `json:"subjectKey"`
	LegacyAddress string `json:"legacyAddress,omitempty"`
	// "subject" (default) or "legacy_address".
	KeyForm      string          `json:"keyForm,omitempty"`
	DocumentType string          `json:"documentType"`
	Document     []byte          `json:"document"`
	Metadata     json.RawMessage `json:"metadata"`
	Actor        string          `json:"actor,omitempty"`
}

type RevokeCredentialRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

type VerifyCredentialRequest struct {
	Identifier  string `json:"identifier"`
	Document    []byte `json:"document,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type CredentialResponse struct {
	ID                string                `json:"id"`
	SubjectKey        string                `json:"subjectKey"`
	LegacyAddress     string                `json:"legacyAddress,omitempty"`
	KeyForm           string                `json:"keyForm"`
	DocumentType      models.DocumentType   `json:"documentType"`
	Fingerprint       string                `json:"fingerprint"`
	CID               string                `json:"cid"`
	DocumentURL       string                `json:"documentUrl,omitempty"`
	Metadata          json.RawMessage       `json:"metadata"`
	Issuance          models.LedgerReceipt  `json:"issuance"`
	IssuedAt          int64                 `json:"issuedAt"`
	IssuedBy          string                `json:"issuedBy,omitempty"`
	IsRevoked         bool                  `json:"isRevoked"`
	RevokedAt         int64                 `json:"revokedAt,omitempty"`
	RevocationReason  string                `json:"revocationReason,omitempty"`
	Revocation        *models.LedgerReceipt `json:"revocation,omitempty"`
	VerificationCount int64                 `json:"verificationCount"`
	LastVerifiedAt    int64                 `json:"lastVerifiedAt,omitempty"`
}

type VerifyCredentialResponse struct {
	Valid             bool                      `json:"valid"`
	Exists            bool                      `json:"exists"`
	Revoked           bool                      `json:"revoked"`
	Tampered          bool                      `json:"tampered"`
	LegacyKeyMatch    bool                      `json:"legacyKeyMatch,omitempty"`
	LedgerUnavailable bool                      `json:"ledgerUnavailable,omitempty"`
	Message           string                    `json:"message"`
	RevokedAt         int64                     `json:"revokedAt,omitempty"`
	RevocationReason  string                    `json:"revocationReason,omitempty"`
	Credential        *models.CredentialSummary `json:"credential,omitempty"`
}

type NetworkStatusResponse struct {
	ledger.NetworkStatus
	Timestamp int64 `json:"timestamp"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func newCredentialResponse(c *models.Credential, summary *models.CredentialSummary) *CredentialResponse {
	resp := &CredentialResponse{
		ID:                c.ID,
		SubjectKey:        c.SubjectKey,
		LegacyAddress:     c.LegacyAddress,
		KeyForm:           c.KeyForm.String(),
		DocumentType:      c.DocumentType,
		Fingerprint:       c.Fingerprint,
		CID:               c.CID,
		DocumentURL:       summary.DocumentURL,
		Metadata:          c.Metadata,
		Issuance:          c.Issuance,
		IssuedAt:          unixOrZero(c.IssuedAt),
		IssuedBy:          c.IssuedBy,
		IsRevoked:         c.IsRevoked,
		RevokedAt:         unixOrZero(c.RevokedAt),
		RevocationReason:  c.RevocationReason,
		VerificationCount: c.VerificationCount,
		LastVerifiedAt:    unixOrZero(c.LastVerifiedAt),
	}
	if c.IsRevoked {
		revocation := c.Revocation
		resp.Revocation = &revocation
	}
	return resp
}

func newVerifyCredentialResponse(res *services.VerifyResult) *VerifyCredentialResponse {
	return &VerifyCredentialResponse{
		Valid:             res.Valid,
		Exists:            res.Exists,
		Revoked:           res.Revoked,
		Tampered:          res.Tampered,
		LegacyKeyMatch:    res.LegacyKeyMatch,
		LedgerUnavailable: res.LedgerUnavailable,
		Message:           res.Message,
		RevokedAt:         unixOrZero(res.RevokedAt),
		RevocationReason:  res.RevocationReason,
		Credential:        res.Credential,
	}
}

func parseKeyForm(s string) (models.KeyForm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", models.KeyFormSubject.String():
		return models.KeyFormSubject, nil
	case models.KeyFormLegacyAddress.String():
		return models.KeyFormLegacyAddress, nil
	default:
		return 0, &decodingError{status: http.StatusBadRequest, msg: "invalid keyForm " + s}
	}
}

func readJSONRequest(w http.ResponseWriter, r *http.Request, req interface{}, maxSize int64) error {
	var err error

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		const msg = "Content-Type is not application/json"
		return &decodingError{status: http.StatusUnsupportedMediaType, msg: msg}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err = dec.Decode(req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &decodingError{status: http.StatusRequestEntityTooLarge, msg: "request body is too large"}
		}
	}
	if err != nil || dec.Decode(&struct{}{}) != io.EOF {
		const msg = "invalid or multiple JSON objects in request body"
		return &decodingError{status: http.StatusBadRequest, msg: msg}
	}

	return nil
}

func writeJSONResponse(w http.ResponseWriter, code int, data interface{}, err string) error {
	resp, merr := json.Marshal(response{Data: data, Error: err})
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, e := w.Write(resp)
	return e
}

func writeJSONError(w http.ResponseWriter, err error) error {
	var de *decodingError
	switch {
	case errors.As(err, &de):
		return writeJSONResponse(w, de.status, nil, de.msg)
	case errors.Is(err, &services.ValidationError{}):
		return writeJSONResponse(w, http.StatusBadRequest, nil, err.Error())
	case errors.Is(err, &services.NotFoundError{}):
		return writeJSONResponse(w, http.StatusNotFound, nil, err.Error())
	case errors.Is(err, &services.DuplicateSubjectError{}),
		errors.Is(err, &services.DuplicateDocumentError{}):
		return writeJSONResponse(w, http.StatusConflict, nil, err.Error())
	case errors.Is(err, &services.StorageUploadError{}),
		errors.Is(err, &services.LedgerSubmissionError{}),
		errors.Is(err, &services.LedgerReadError{}):
		return writeJSONResponse(w, http.StatusBadGateway, nil, err.Error())
	case errors.Is(err, &services.LedgerConfirmationError{}):
		return writeJSONResponse(w, http.StatusGatewayTimeout, nil, err.Error())
	case errors.Is(err, &services.PersistenceError{}):
		return writeJSONResponse(w, http.StatusInternalServerError, nil, err.Error())
	default:
		return writeJSONResponse(w, http.StatusInternalServerError, nil, "internal server error")
	}
}
