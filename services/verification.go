package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/util"
	"go.uber.org/zap"
)

const (
	msgNotFound          = "No credential matches this identifier."
	msgValid             = "Credential is authentic and valid."
	msgValidLegacyKey    = "Credential is authentic and valid. It is anchored under the holder's legacy address."
	msgTampered          = "Document does not match the issued credential. It may have been altered."
	msgNotOnLedger       = "Credential could not be confirmed on the ledger."
	msgRevokedOnLedger   = "Credential was revoked on the ledger."
	msgLedgerUnavailable = "The ledger could not be reached, so this credential cannot be confirmed right now."
)

// VerifyRequest identifies a credential and the document presented as it.
// Document takes precedence over Fingerprint. With neither, the recorded fingerprint is checked
// against the ledger.
type VerifyRequest struct {
	// A record id, a subject key, or a legacy address.
	Identifier  string
	Document    []byte
	Fingerprint string
}

// VerifyResult is the verdict for a VerifyRequest. Negative verdicts are not errors.
type VerifyResult struct {
	Valid   bool
	Exists  bool
	Revoked bool
	// The presented fingerprint differs from the recorded one.
	Tampered bool
	// The ledger confirmed the credential only under its alternate key form.
	LegacyKeyMatch bool
	// The ledger could not be consulted.
	LedgerUnavailable bool
	Message           string

	RevokedAt        time.Time
	RevocationReason string
	Credential       *models.CredentialSummary
}

// resolve finds a credential by record id, then by (subject key or legacy address, fingerprint),
// then by subject key alone.
// The fingerprint lookup finds the record a document was issued as, even when that record was
// revoked and the subject issued again.
func (s *Service) resolve(ctx context.Context, identifier, fingerprint string) (*models.Credential, error) {
	cred, err := s.GetCredentialByID(ctx, identifier)
	if !errors.Is(err, &NotFoundError{}) {
		return cred, err
	}

	if fingerprint != "" {
		legacy := identifier
		if addr, err := util.NormalizeAddress(identifier); err == nil {
			legacy = addr
		}
		cred, err = scanCredential(s.byKeyFingerprintStmt.QueryRowContext(ctx, legacy, identifier, fingerprint))
		if !errors.Is(err, sql.ErrNoRows) {
			return cred, err
		}
	}

	cred, err = s.GetCredential(ctx, identifier)
	if errors.Is(err, &NotFoundError{}) {
		return nil, &NotFoundError{fmt.Sprintf("no credential for %s", identifier)}
	}
	return cred, err
}

// VerifyCredential decides whether a presented credential is authentic and currently valid.
// Only malformed requests and record store failures are returned as errors.
func (s *Service) VerifyCredential(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	s.m.Counter("verify_requested").Inc()

	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		return nil, &ValidationError{"a credential identifier is required"}
	}
	var presented string
	switch {
	case len(req.Document) > 0:
		presented = util.Fingerprint(req.Document)
	case req.Fingerprint != "":
		fp, err := util.NormalizeFingerprint(req.Fingerprint)
		if err != nil {
			return nil, &ValidationError{"invalid fingerprint"}
		}
		presented = fp
	}

	cred, err := s.resolve(ctx, identifier, presented)
	if errors.Is(err, &NotFoundError{}) {
		s.m.Counter("verify_not_found").Inc()
		return &VerifyResult{Message: msgNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Exists: true}

	// Revocation wins over integrity.
	if cred.IsRevoked {
		s.m.Counter("verify_revoked").Inc()
		result.Revoked = true
		result.RevokedAt = cred.RevokedAt
		result.RevocationReason = cred.RevocationReason
		result.Message = fmt.Sprintf("Credential was revoked on %s: %s",
			cred.RevokedAt.UTC().Format("2006-01-02"), cred.RevocationReason)
		return result, nil
	}

	if presented == "" {
		presented = cred.Fingerprint
	}

	onLedger, usedAlternate, ledgerErr := s.ledger.VerifyWithFallback(ctx, cred.LedgerKey(), cred.AlternateLedgerKey(), presented)
	if ledgerErr != nil {
		s.logger.Warn("Ledger verification failed",
			zap.String("id", cred.ID),
			zap.String("ledgerKey", cred.LedgerKey()),
			zap.Error(ledgerErr))
		s.m.Counter("verify_ledger_unavailable").Inc()
		result.LedgerUnavailable = true
	}
	matches := presented == cred.Fingerprint

	switch {
	case !matches:
		s.logger.Warn("Presented document does not match the recorded fingerprint",
			zap.String("id", cred.ID),
			zap.String("recorded", cred.Fingerprint),
			zap.String("presented", presented))
		s.m.Counter("verify_tampered").Inc()
		result.Tampered = true
		result.Message = msgTampered
		return result, nil
	case ledgerErr != nil:
		result.Message = msgLedgerUnavailable
		return result, nil
	case !onLedger:
		// A revocation that reached the ledger but not the record store.
		if rec, err := s.ledger.GetRecord(ctx, cred.LedgerKey()); err == nil &&
			rec.IsRevoked && strings.EqualFold(rec.Fingerprint, cred.Fingerprint) {
			s.logger.Warn("Credential is revoked on the ledger but not in the record store",
				zap.String("id", cred.ID),
				zap.String("ledgerKey", cred.LedgerKey()))
			s.m.Counter("verify_revoked").Inc()
			result.Revoked = true
			result.Message = msgRevokedOnLedger
			return result, nil
		}
		s.logger.Warn("Recorded credential is not confirmed by the ledger",
			zap.String("id", cred.ID),
			zap.String("ledgerKey", cred.LedgerKey()))
		s.m.Counter("verify_not_on_ledger").Inc()
		result.Message = msgNotOnLedger
		return result, nil
	}

	result.Valid = true
	result.LegacyKeyMatch = usedAlternate
	result.Message = msgValid
	if usedAlternate {
		s.logger.Info("Credential confirmed under its alternate key form",
			zap.String("id", cred.ID),
			zap.String("keyForm", cred.KeyForm.String()),
			zap.String("alternateKey", cred.AlternateLedgerKey()))
		s.m.Counter("verify_legacy_key").Inc()
		result.Message = msgValidLegacyKey
	}
	s.m.Counter("verify_valid").Inc()

	// Usage telemetry only. A failure here never changes the verdict.
	if err := s.recordVerification(context.WithoutCancel(ctx), cred.ID, s.clock.Now()); err != nil {
		s.logger.Warn("Failed to record verification", zap.String("id", cred.ID), zap.Error(err))
	} else {
		cred.VerificationCount++
	}
	result.Credential = s.Summarize(cred)
	return result, nil
}
