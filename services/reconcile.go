package services

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/util"
	"go.uber.org/zap"
)

// Mismatch is a field on which the record store and the ledger disagree.
type Mismatch struct {
	Field  string `json:"field"`
	Record string `json:"record"`
	Ledger string `json:"ledger"`
}

// ReconcileReport is the outcome of comparing one record with the ledger.
type ReconcileReport struct {
	RecordID   string     `json:"recordId"`
	SubjectKey string     `json:"subjectKey"`
	LedgerKey  string     `json:"ledgerKey"`
	Consistent bool       `json:"consistent"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	// Set on a revoked record whose ledger key now anchors a later credential.
	// The ledger no longer holds its entry, so it is not compared.
	SupersededBy string `json:"supersededBy,omitempty"`
	// Whether the stored document was fetched and re-fingerprinted.
	ContentChecked bool      `json:"contentChecked"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// ReconcileCredential compares the subject's latest credential with the ledger's entry for it.
// With checkContent, the document is also fetched from storage and re-fingerprinted.
// Mismatches are reported, never repaired.
func (s *Service) ReconcileCredential(ctx context.Context, subjectKey string, checkContent bool) (*ReconcileReport, error) {
	cred, err := s.GetCredential(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, cred, checkContent)
}

// ReconcileRange reconciles every credential issued in [from, to).
// A ledger failure aborts the sweep, since every following record would fail the same way.
func (s *Service) ReconcileRange(ctx context.Context, from, to time.Time, checkContent bool) ([]*ReconcileReport, error) {
	creds, err := s.ListCredentials(ctx, from, to)
	if err != nil {
		return nil, err
	}
	reports := make([]*ReconcileReport, 0, len(creds))
	for _, cred := range creds {
		report, err := s.reconcile(ctx, cred, checkContent)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (s *Service) reconcile(ctx context.Context, cred *models.Credential, checkContent bool) (*ReconcileReport, error) {
	s.m.Counter("reconcile_requested").Inc()
	report := &ReconcileReport{
		RecordID:   cred.ID,
		SubjectKey: cred.SubjectKey,
		LedgerKey:  cred.LedgerKey(),
		CheckedAt:  s.clock.Now(),
	}

	if cred.IsRevoked {
		current, err := s.currentForLedgerKey(ctx, cred.LedgerKey())
		if err != nil {
			return nil, err
		}
		if current != "" && current != cred.ID {
			report.SupersededBy = current
		}
	}

	if report.SupersededBy == "" {
		if err := s.compareWithLedger(ctx, cred, report); err != nil {
			return nil, err
		}
	}

	if checkContent && s.storage != nil {
		doc, err := s.storage.Fetch(ctx, cred.CID)
		if err != nil {
			s.logger.Warn("Could not fetch document for reconciliation",
				zap.String("id", cred.ID), zap.String("cid", cred.CID), zap.Error(err))
		} else {
			report.ContentChecked = true
			if fp := util.Fingerprint(doc); fp != cred.Fingerprint {
				report.Mismatches = append(report.Mismatches, Mismatch{Field: "content", Record: cred.Fingerprint, Ledger: fp})
			}
		}
	}

	report.Consistent = len(report.Mismatches) == 0
	if report.Consistent {
		return report, nil
	}

	fields := make([]string, 0, len(report.Mismatches))
	details := map[string]string{"ledgerKey": report.LedgerKey}
	for _, m := range report.Mismatches {
		fields = append(fields, m.Field)
		details[m.Field] = m.Record + " != " + m.Ledger
	}
	s.logger.Error("Credential record disagrees with the ledger",
		zap.String("id", cred.ID),
		zap.String("subjectKey", cred.SubjectKey),
		zap.String("ledgerKey", report.LedgerKey),
		zap.Strings("fields", fields))
	s.m.Counter("reconcile_mismatch").Inc()
	s.emit(ctx, &models.CredentialEvent{
		Action:         models.CredentialMismatch,
		Actor:          "reconciler",
		TargetRecordID: cred.ID,
		SubjectKey:     cred.SubjectKey,
		Status:         models.EventFailed,
		Details:        details,
	})
	return report, nil
}

// compareWithLedger adds the fields on which cred and the ledger's entry for it disagree.
func (s *Service) compareWithLedger(ctx context.Context, cred *models.Credential, report *ReconcileReport) error {
	rec, err := s.ledger.GetRecord(ctx, cred.LedgerKey())
	if ledger.IsNotFound(err) {
		report.Mismatches = append(report.Mismatches, Mismatch{Field: "presence", Record: "present", Ledger: "missing"})
		return nil
	}
	if err != nil {
		s.m.Counter("reconcile_ledger_unavailable").Inc()
		return &LedgerReadError{"could not read the ledger entry", err}
	}
	if !strings.EqualFold(rec.Fingerprint, cred.Fingerprint) {
		report.Mismatches = append(report.Mismatches, Mismatch{Field: "fingerprint", Record: cred.Fingerprint, Ledger: rec.Fingerprint})
	}
	if rec.CID != cred.CID {
		report.Mismatches = append(report.Mismatches, Mismatch{Field: "cid", Record: cred.CID, Ledger: rec.CID})
	}
	if rec.IsRevoked != cred.IsRevoked {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Field:  "revoked",
			Record: strconv.FormatBool(cred.IsRevoked),
			Ledger: strconv.FormatBool(rec.IsRevoked),
		})
	}
	return nil
}

// currentForLedgerKey returns the id of the record whose entry the ledger holds for key.
func (s *Service) currentForLedgerKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.currentByLedgerKeyStmt.QueryRowContext(ctx, key, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// NetworkStatus reports the liveness of the ledger network.
func (s *Service) NetworkStatus(ctx context.Context) ledger.NetworkStatus {
	return s.ledger.NetworkStatus(ctx)
}
