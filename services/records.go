package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/credential-registry/registry-api/models"
	"github.com/mattn/go-sqlite3"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	var metadata string
	var keyForm int
	var issuedAt, revokedAt, lastVerifiedAt int64
	err := row.Scan(
		&c.ID, &c.SubjectKey, &c.LegacyAddress, &keyForm, &c.DocumentType, &c.Fingerprint, &c.CID, &metadata,
		&c.Issuance.TxHash, &c.Issuance.BlockNumber, &c.Issuance.GasUsed, &c.Issuance.GasPrice, &c.Issuance.TotalCost,
		&issuedAt, &c.IssuedBy,
		&c.IsRevoked, &revokedAt, &c.RevocationReason,
		&c.Revocation.TxHash, &c.Revocation.BlockNumber, &c.Revocation.GasUsed, &c.Revocation.GasPrice, &c.Revocation.TotalCost,
		&c.VerificationCount, &lastVerifiedAt,
	)
	if err != nil {
		return nil, err
	}
	c.KeyForm = models.KeyForm(keyForm)
	c.Metadata = json.RawMessage(metadata)
	c.IssuedAt = fromMillis(issuedAt)
	c.RevokedAt = fromMillis(revokedAt)
	c.LastVerifiedAt = fromMillis(lastVerifiedAt)
	return &c, nil
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// GetCredential returns the live credential for a subject, or its most recent revoked one.
func (s *Service) GetCredential(ctx context.Context, subjectKey string) (*models.Credential, error) {
	cred, err := scanCredential(s.getLatestBySubjectStmt.QueryRowContext(ctx, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{fmt.Sprintf("no credential for subject %s", subjectKey)}
	}
	return cred, err
}

// GetCredentialByID returns the credential with the given record id.
func (s *Service) GetCredentialByID(ctx context.Context, id string) (*models.Credential, error) {
	cred, err := scanCredential(s.getCredentialByIDStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{fmt.Sprintf("no credential with id %s", id)}
	}
	return cred, err
}

// ListCredentials returns the credentials issued in [from, to), oldest first.
func (s *Service) ListCredentials(ctx context.Context, from, to time.Time) ([]*models.Credential, error) {
	if !to.After(from) {
		return nil, &ValidationError{"the end of the range must be after its start"}
	}
	rows, err := s.listCredentialsStmt.QueryContext(ctx, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]*models.Credential, 0, 16)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// CredentialEvents returns the audit trail of the subject's latest credential.
func (s *Service) CredentialEvents(ctx context.Context, subjectKey string) ([]*models.CredentialEvent, error) {
	cred, err := s.GetCredential(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.QueryByTarget(ctx, cred.ID)
}

// Summarize returns the public-safe view of a credential.
func (s *Service) Summarize(c *models.Credential) *models.CredentialSummary {
	summary := &models.CredentialSummary{
		SubjectKey:        c.SubjectKey,
		DocumentType:      c.DocumentType,
		Fingerprint:       c.Fingerprint,
		CID:               c.CID,
		TxHash:            c.Issuance.TxHash,
		BlockNumber:       c.Issuance.BlockNumber,
		IssuedAt:          c.IssuedAt.Unix(),
		VerificationCount: c.VerificationCount,
	}
	if s.storage != nil {
		summary.DocumentURL = s.storage.URLFor(c.CID)
	}
	return summary
}

func (s *Service) recordVerification(ctx context.Context, id string, at time.Time) error {
	res, err := s.recordVerificationStmt.ExecContext(ctx, toMillis(at), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("credential %s vanished", id)
	}
	return nil
}
