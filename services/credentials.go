package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/credential-registry/registry-api/external"
	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/util"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	maxSubjectKeyLength = 128
	maxReasonLength     = 512
	maxDocumentSize     = 20 * 1024 * 1024
)

var (
	// The delay between retries when reserving a subject.
	// Values are taken from SQLite's default busy handler.
	dbTryDelayMs = []int{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}
)

// IssueRequest describes a credential to issue.
type IssueRequest struct {
	SubjectKey string
	// Optional wallet-style address of the subject.
	LegacyAddress string
	// KeyFormLegacyAddress anchors the credential under LegacyAddress instead of SubjectKey.
	KeyForm      models.KeyForm
	DocumentType models.DocumentType
	// The exact bytes of the rendered document.
	Document []byte
	Metadata json.RawMessage
	Actor    string
}

// ledgerKey is the key the credential is anchored under.
func (r *IssueRequest) ledgerKey() string {
	if r.KeyForm == models.KeyFormLegacyAddress {
		return r.LegacyAddress
	}
	return r.SubjectKey
}

func (s *Service) validateIssueRequest(req *IssueRequest) error {
	req.SubjectKey = strings.TrimSpace(req.SubjectKey)
	if req.SubjectKey == "" {
		return &ValidationError{"subject key is required"}
	}
	if len(req.SubjectKey) > maxSubjectKeyLength {
		return &ValidationError{fmt.Sprintf("subject key is longer than %d characters", maxSubjectKeyLength)}
	}

	dt, err := models.ParseDocumentType(string(req.DocumentType))
	if err != nil {
		return &ValidationError{err.Error()}
	}
	req.DocumentType = dt

	if len(req.Document) == 0 {
		return &ValidationError{"document is empty"}
	}
	if len(req.Document) > maxDocumentSize {
		return &ValidationError{fmt.Sprintf("document is larger than %d bytes", maxDocumentSize)}
	}

	if req.LegacyAddress != "" {
		addr, err := util.NormalizeAddress(req.LegacyAddress)
		if err != nil {
			return &ValidationError{"invalid legacy address"}
		}
		req.LegacyAddress = addr
	}
	switch req.KeyForm {
	case models.KeyFormSubject:
	case models.KeyFormLegacyAddress:
		if req.LegacyAddress == "" {
			return &ValidationError{"a legacy address is required to anchor under it"}
		}
	default:
		return &ValidationError{fmt.Sprintf("unknown key form %d", req.KeyForm)}
	}

	return s.metadata.Validate(req.DocumentType, req.Metadata)
}

// reserveSubject atomically claims the right to issue for subjectKey under ledgerKey.
// It fails if the subject or the ledger key has a live credential, or another issuance holds
// either of them.
func (s *Service) reserveSubject(subjectKey, ledgerKey string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	var id string
	abs := tx.Stmt(s.activeBySubjectStmt)
	defer abs.Close()
	err = abs.QueryRow(subjectKey).Scan(&id)
	if err == nil {
		s.m.Counter("issue_duplicate_subject").Inc()
		return &DuplicateSubjectError{fmt.Sprintf("subject %s already has an active credential", subjectKey)}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	albs := tx.Stmt(s.activeByLedgerKeyStmt)
	defer albs.Close()
	err = albs.QueryRow(ledgerKey, ledgerKey).Scan(&id)
	if err == nil {
		s.m.Counter("issue_duplicate_subject").Inc()
		return &DuplicateSubjectError{fmt.Sprintf("ledger key %s already anchors an active credential", ledgerKey)}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := s.clock.Now()
	ers := tx.Stmt(s.expireReservationStmt)
	defer ers.Close()
	res, err := ers.Exec(subjectKey, ledgerKey, now.Add(-s.reservationTTL).UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Replaced a stale issuance reservation", zap.String("subjectKey", subjectKey))
		s.m.Counter("issue_stale_reservation").Inc()
	}

	rss := tx.Stmt(s.reserveSubjectStmt)
	defer rss.Close()
	if _, err = rss.Exec(subjectKey, ledgerKey, now.UnixMilli()); err != nil {
		if isConstraintError(err) {
			s.m.Counter("issue_duplicate_subject").Inc()
			return &DuplicateSubjectError{fmt.Sprintf("an issuance for subject %s or ledger key %s is already in progress", subjectKey, ledgerKey)}
		}
		return err
	}

	return tx.Commit()
}

// reserveSubjectWithRetry retries reserveSubject while the database is busy.
func (s *Service) reserveSubjectWithRetry(subjectKey, ledgerKey string) error {
	var err error

	var try int
	for try = range dbTryDelayMs {
		if err = s.reserveSubject(subjectKey, ledgerKey); err == nil {
			break
		}

		// Only a busy or locked database is worth retrying.
		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) {
			break
		}
		if sqliteErr.Code != sqlite3.ErrLocked && sqliteErr.Code != sqlite3.ErrBusy {
			break
		}

		sleepFor := dbTryDelayMs[try]
		s.logger.Warn("Failed to reserve subject. Retrying",
			zap.Int("try", try),
			zap.Int("retryMs", sleepFor),
			zap.Error(err),
		)
		s.clock.Sleep(time.Duration(sleepFor) * time.Millisecond)
	}

	return err
}

// claimFingerprint attaches the document fingerprint to the subject's reservation, so no two
// live credentials or in-flight issuances anchor the same document.
func (s *Service) claimFingerprint(subjectKey, fingerprint string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	var id string
	abf := tx.Stmt(s.activeByFingerprintStmt)
	defer abf.Close()
	err = abf.QueryRow(fingerprint).Scan(&id)
	if err == nil {
		s.m.Counter("issue_duplicate_document").Inc()
		return &DuplicateDocumentError{"this document is already anchored by an active credential"}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	cfs := tx.Stmt(s.claimFingerprintStmt)
	defer cfs.Close()
	if _, err = cfs.Exec(fingerprint, subjectKey); err != nil {
		if isConstraintError(err) {
			s.m.Counter("issue_duplicate_document").Inc()
			return &DuplicateDocumentError{"this document is already being issued"}
		}
		return err
	}

	return tx.Commit()
}

func (s *Service) releaseReservation(subjectKey string) {
	if _, err := s.releaseReservationStmt.Exec(subjectKey); err != nil {
		s.logger.Error("Failed to release issuance reservation",
			zap.String("subjectKey", subjectKey), zap.Error(err))
	}
}

// writeTransient stores the document in the work dir for the duration of the pipeline.
func (s *Service) writeTransient(doc []byte) (string, error) {
	f, err := os.CreateTemp(s.workDir, "credential-*.pdf")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(doc); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Service) removeTransient(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("Failed to remove transient file", zap.String("path", path), zap.Error(err))
	}
}

func (s *Service) upload(ctx context.Context, path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &StorageUploadError{"could not read document", err}
	}
	defer f.Close()

	cid, err := s.storage.Upload(ctx, f, name)
	if err != nil {
		return "", &StorageUploadError{"document upload failed", err}
	}
	if cid, err = external.ValidateCID(cid); err != nil {
		return "", &StorageUploadError{"storage returned an invalid content identifier", err}
	}
	return cid, nil
}

func (s *Service) persistCredential(ctx context.Context, c *models.Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	metadata := string(c.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	acs := tx.Stmt(s.addCredentialStmt)
	defer acs.Close()
	_, err = acs.Exec(
		c.ID, c.SubjectKey, c.LegacyAddress, int(c.KeyForm), c.DocumentType, c.Fingerprint, c.CID, metadata,
		c.Issuance.TxHash, c.Issuance.BlockNumber, c.Issuance.GasUsed, c.Issuance.GasPrice, c.Issuance.TotalCost,
		toMillis(c.IssuedAt), c.IssuedBy,
	)
	if err != nil {
		return err
	}

	// The record now guards the subject; the reservation is no longer needed.
	rrs := tx.Stmt(s.releaseReservationStmt)
	defer rrs.Close()
	if _, err = rrs.Exec(c.SubjectKey); err != nil {
		return err
	}

	return tx.Commit()
}

// IssueCredential runs the issuance pipeline: reserve the subject, fingerprint the document,
// upload it, anchor it on the ledger, record it, and audit the outcome.
// On failure no credential is recorded, transient files are removed and a failed audit event
// is emitted. A confirmed ledger write is never undone.
func (s *Service) IssueCredential(ctx context.Context, req *IssueRequest) (*models.Credential, error) {
	s.m.Counter("issue_requested").Inc()
	if err := s.validateIssueRequest(req); err != nil {
		s.m.Counter("issue_invalid").Inc()
		return nil, err
	}

	fail := func(step string, err error, fields ...zap.Field) (*models.Credential, error) {
		fields = append(fields,
			zap.String("step", step),
			zap.String("subjectKey", req.SubjectKey),
			zap.Error(err))
		s.logger.Warn("Credential issuance failed", fields...)
		s.m.Counter("issue_failed").Inc()
		s.emit(ctx, &models.CredentialEvent{
			Action:     models.CredentialIssued,
			Actor:      req.Actor,
			SubjectKey: req.SubjectKey,
			Status:     models.EventFailed,
			Details:    map[string]string{"step": step, "error": err.Error()},
		})
		return nil, err
	}

	// Duplicate-issuance guard.
	ledgerKey := req.ledgerKey()
	if err := s.reserveSubjectWithRetry(req.SubjectKey, ledgerKey); err != nil {
		return fail("reserve", err)
	}
	defer s.releaseReservation(req.SubjectKey)

	path, err := s.writeTransient(req.Document)
	if err != nil {
		return fail("stage", err)
	}
	defer s.removeTransient(path)

	// Fingerprint the staged bytes, which are exactly what gets uploaded.
	staged, err := os.ReadFile(path)
	if err != nil {
		return fail("stage", err)
	}
	fingerprint := util.Fingerprint(staged)
	if err := s.claimFingerprint(req.SubjectKey, fingerprint); err != nil {
		return fail("fingerprint", err, zap.String("fingerprint", fingerprint))
	}

	name := fmt.Sprintf("%s-%s.pdf", strings.ToLower(string(req.DocumentType)), req.SubjectKey)
	cid, err := s.upload(ctx, path, name)
	if err != nil {
		return fail("upload", err, zap.String("fingerprint", fingerprint))
	}
	s.logger.Info("Uploaded credential document",
		zap.String("subjectKey", req.SubjectKey),
		zap.String("fingerprint", fingerprint),
		zap.String("cid", cid))

	receipt, err := s.ledger.Issue(ctx, ledgerKey, fingerprint, cid)
	if err != nil {
		err = mapLedgerWriteError("issue", err)
		var confErr *LedgerConfirmationError
		if errors.As(err, &confErr) {
			// The write may still land. Operators reconcile using the hash.
			return fail("ledger", err, zap.String("cid", cid), zap.String("txHash", confErr.TxHash))
		}
		return fail("ledger", err, zap.String("cid", cid))
	}

	cred := &models.Credential{
		ID:            uuid.NewString(),
		SubjectKey:    req.SubjectKey,
		LegacyAddress: req.LegacyAddress,
		KeyForm:       req.KeyForm,
		DocumentType:  req.DocumentType,
		Fingerprint:   fingerprint,
		CID:           cid,
		Metadata:      req.Metadata,
		Issuance:      *receipt,
		IssuedAt:      time.UnixMilli(s.clock.Now().UnixMilli()),
		IssuedBy:      req.Actor,
	}
	if len(cred.Metadata) == 0 {
		cred.Metadata = json.RawMessage("{}")
	}
	if err := s.persistCredential(context.WithoutCancel(ctx), cred); err != nil {
		s.logger.Error("Credential is anchored on the ledger but could not be recorded",
			zap.String("subjectKey", cred.SubjectKey),
			zap.String("fingerprint", cred.Fingerprint),
			zap.String("cid", cred.CID),
			zap.String("txHash", receipt.TxHash),
			zap.Error(err))
		return fail("persist", &PersistenceError{"credential was anchored but could not be recorded", err},
			zap.String("txHash", receipt.TxHash))
	}

	s.emit(ctx, &models.CredentialEvent{
		Action:         models.CredentialIssued,
		Actor:          req.Actor,
		TargetRecordID: cred.ID,
		SubjectKey:     cred.SubjectKey,
		Status:         models.EventSucceeded,
		Details: map[string]string{
			"fingerprint": cred.Fingerprint,
			"cid":         cred.CID,
			"txHash":      receipt.TxHash,
			"blockNumber": strconv.FormatUint(receipt.BlockNumber, 10),
			"totalCost":   receipt.TotalCost,
		},
	})

	s.logger.Info("Issued credential",
		zap.String("id", cred.ID),
		zap.String("subjectKey", cred.SubjectKey),
		zap.String("fingerprint", cred.Fingerprint),
		zap.String("cid", cred.CID),
		zap.String("txHash", receipt.TxHash),
		zap.Uint64("blockNumber", receipt.BlockNumber),
	)
	s.m.Counter("issue_succeeded").Inc()
	return cred, nil
}

// RevokeCredential revokes the subject's live credential on the ledger, then records it.
// Revocation is terminal.
func (s *Service) RevokeCredential(ctx context.Context, subjectKey, reason, actor string) (*models.Credential, error) {
	s.m.Counter("revoke_requested").Inc()
	subjectKey = strings.TrimSpace(subjectKey)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{"a revocation reason is required"}
	}
	if len(reason) > maxReasonLength {
		return nil, &ValidationError{fmt.Sprintf("revocation reason is longer than %d characters", maxReasonLength)}
	}

	cred, err := s.GetCredential(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	if cred.IsRevoked {
		return nil, &NotFoundError{fmt.Sprintf("no active credential for subject %s", subjectKey)}
	}

	fail := func(step string, err error) (*models.Credential, error) {
		s.logger.Warn("Credential revocation failed",
			zap.String("step", step),
			zap.String("subjectKey", subjectKey),
			zap.String("id", cred.ID),
			zap.Error(err))
		s.m.Counter("revoke_failed").Inc()
		s.emit(ctx, &models.CredentialEvent{
			Action:         models.CredentialRevoked,
			Actor:          actor,
			TargetRecordID: cred.ID,
			SubjectKey:     subjectKey,
			Status:         models.EventFailed,
			Details:        map[string]string{"step": step, "reason": reason, "error": err.Error()},
		})
		return nil, err
	}

	receipt, err := s.ledger.Revoke(ctx, cred.LedgerKey())
	if err != nil {
		return fail("ledger", mapLedgerWriteError("revoke", err))
	}

	now := time.UnixMilli(s.clock.Now().UnixMilli())
	res, err := s.revokeCredentialStmt.ExecContext(context.WithoutCancel(ctx),
		toMillis(now), reason,
		receipt.TxHash, receipt.BlockNumber, receipt.GasUsed, receipt.GasPrice, receipt.TotalCost,
		cred.ID,
	)
	if err == nil {
		var n int64
		if n, err = res.RowsAffected(); err == nil && n == 0 {
			err = errors.New("credential was revoked concurrently")
		}
	}
	if err != nil {
		s.logger.Error("Credential is revoked on the ledger but could not be recorded",
			zap.String("id", cred.ID),
			zap.String("txHash", receipt.TxHash),
			zap.Error(err))
		return fail("persist", &PersistenceError{"credential was revoked but could not be recorded", err})
	}

	cred.IsRevoked = true
	cred.RevokedAt = now
	cred.RevocationReason = reason
	cred.Revocation = *receipt

	s.emit(ctx, &models.CredentialEvent{
		Action:         models.CredentialRevoked,
		Actor:          actor,
		TargetRecordID: cred.ID,
		SubjectKey:     cred.SubjectKey,
		Status:         models.EventSucceeded,
		Details: map[string]string{
			"reason":      reason,
			"txHash":      receipt.TxHash,
			"blockNumber": strconv.FormatUint(receipt.BlockNumber, 10),
			"totalCost":   receipt.TotalCost,
		},
	})
	s.logger.Info("Revoked credential",
		zap.String("id", cred.ID),
		zap.String("subjectKey", cred.SubjectKey),
		zap.String("reason", reason),
		zap.String("txHash", receipt.TxHash))
	s.m.Counter("revoke_succeeded").Inc()
	return cred, nil
}
