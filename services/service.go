package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Rocket-Rescue-Node/rescue-proxy/metrics"
	"github.com/credential-registry/registry-api/audit"
	"github.com/credential-registry/registry-api/external"
	"github.com/credential-registry/registry-api/ledger"
	"github.com/credential-registry/registry-api/models"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// A reservation older than this belongs to a pipeline that died without releasing it.
	defaultReservationTTL = 15 * time.Minute
)

type ValidationError struct {
	msg string
}

func (v *ValidationError) Error() string {
	return v.msg
}

func (v *ValidationError) Is(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

type NotFoundError struct {
	msg string
}

func (n *NotFoundError) Error() string {
	return n.msg
}

func (n *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// DuplicateSubjectError is returned when a subject already has a live credential,
// or another issuance for it is in progress.
type DuplicateSubjectError struct {
	msg string
}

func (d *DuplicateSubjectError) Error() string {
	return d.msg
}

func (d *DuplicateSubjectError) Is(err error) bool {
	_, ok := err.(*DuplicateSubjectError)
	return ok
}

// DuplicateDocumentError is returned when a live credential already anchors the same fingerprint.
type DuplicateDocumentError struct {
	msg string
}

func (d *DuplicateDocumentError) Error() string {
	return d.msg
}

func (d *DuplicateDocumentError) Is(err error) bool {
	_, ok := err.(*DuplicateDocumentError)
	return ok
}

// StorageUploadError is returned when the document could not be stored. Retrying is safe.
type StorageUploadError struct {
	msg string
	err error
}

func (s *StorageUploadError) Error() string {
	return fmt.Sprintf("%s: %v", s.msg, s.err)
}

func (s *StorageUploadError) Unwrap() error {
	return s.err
}

func (s *StorageUploadError) Is(err error) bool {
	_, ok := err.(*StorageUploadError)
	return ok
}

// LedgerSubmissionError is returned when a ledger write failed before broadcast. Retrying is safe.
type LedgerSubmissionError struct {
	msg string
	err error
}

func (l *LedgerSubmissionError) Error() string {
	return fmt.Sprintf("%s: %v", l.msg, l.err)
}

func (l *LedgerSubmissionError) Unwrap() error {
	return l.err
}

func (l *LedgerSubmissionError) Is(err error) bool {
	_, ok := err.(*LedgerSubmissionError)
	return ok
}

// LedgerConfirmationError is returned when a ledger write was broadcast but not confirmed.
// It is not safe to retry blindly: reconcile first.
type LedgerConfirmationError struct {
	msg    string
	TxHash string
	err    error
}

func (l *LedgerConfirmationError) Error() string {
	return fmt.Sprintf("%s (tx %s): %v", l.msg, l.TxHash, l.err)
}

func (l *LedgerConfirmationError) Unwrap() error {
	return l.err
}

func (l *LedgerConfirmationError) Is(err error) bool {
	_, ok := err.(*LedgerConfirmationError)
	return ok
}

// LedgerReadError is returned when a read-only ledger query failed.
type LedgerReadError struct {
	msg string
	err error
}

func (l *LedgerReadError) Error() string {
	return fmt.Sprintf("%s: %v", l.msg, l.err)
}

func (l *LedgerReadError) Unwrap() error {
	return l.err
}

func (l *LedgerReadError) Is(err error) bool {
	_, ok := err.(*LedgerReadError)
	return ok
}

// PersistenceError is returned when a confirmed ledger write could not be recorded locally.
type PersistenceError struct {
	msg string
	err error
}

func (p *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", p.msg, p.err)
}

func (p *PersistenceError) Unwrap() error {
	return p.err
}

func (p *PersistenceError) Is(err error) bool {
	_, ok := err.(*PersistenceError)
	return ok
}

// Ledger is the registry client the service drives. *ledger.Client satisfies it.
type Ledger interface {
	Issue(ctx context.Context, subjectKey, fingerprint, cid string) (*models.LedgerReceipt, error)
	Revoke(ctx context.Context, subjectKey string) (*models.LedgerReceipt, error)
	VerifyWithFallback(ctx context.Context, key, alternateKey, fingerprint string) (bool, bool, error)
	GetRecord(ctx context.Context, key string) (*ledger.Record, error)
	NetworkStatus(ctx context.Context) ledger.NetworkStatus
}

// ServiceConfig contains the configuration for a Service.
type ServiceConfig struct {
	DB       *sql.DB
	Ledger   Ledger
	Storage  external.Storage
	Audit    audit.Sink
	Metadata *MetadataValidator
	Logger   *zap.Logger
	Clock    clockwork.Clock
	// Directory for transient files. Defaults to the system temp dir.
	WorkDir        string
	ReservationTTL time.Duration
}

// Services contain business logic, are responsible for interacting with the database,
// and with external services.
// They are called by the API handlers and background tasks.
type Service struct {
	ledger   Ledger
	storage  external.Storage
	audit    audit.Sink
	metadata *MetadataValidator

	// Database
	db                      *sql.DB
	reserveSubjectStmt      *sql.Stmt
	claimFingerprintStmt    *sql.Stmt
	releaseReservationStmt  *sql.Stmt
	expireReservationStmt   *sql.Stmt
	activeBySubjectStmt     *sql.Stmt
	activeByFingerprintStmt *sql.Stmt
	addCredentialStmt       *sql.Stmt
	getCredentialByIDStmt   *sql.Stmt
	getLatestBySubjectStmt  *sql.Stmt
	byKeyFingerprintStmt    *sql.Stmt
	activeByLedgerKeyStmt   *sql.Stmt
	currentByLedgerKeyStmt  *sql.Stmt
	listCredentialsStmt     *sql.Stmt
	revokeCredentialStmt    *sql.Stmt
	recordVerificationStmt  *sql.Stmt

	m      *metrics.MetricsRegistry
	logger *zap.Logger

	clock clockwork.Clock

	workDir        string
	reservationTTL time.Duration
}

func NewService(config *ServiceConfig) *Service {
	s := &Service{
		ledger:         config.Ledger,
		storage:        config.Storage,
		audit:          config.Audit,
		metadata:       config.Metadata,
		db:             config.DB,
		logger:         config.Logger,
		clock:          config.Clock,
		workDir:        config.WorkDir,
		reservationTTL: config.ReservationTTL,
	}
	if s.metadata == nil {
		s.metadata = NewMetadataValidator()
	}
	if s.workDir == "" {
		s.workDir = os.TempDir()
	}
	if s.reservationTTL == 0 {
		s.reservationTTL = defaultReservationTTL
	}
	return s
}

func (s *Service) Init() error {
	s.m = metrics.NewMetricsRegistry("service")
	if err := os.MkdirAll(s.workDir, 0700); err != nil {
		return err
	}
	if err := s.createTables(); err != nil {
		return err
	}
	return s.prepareStatements()
}

// migrateTables brings databases created by earlier versions up to date.
func (s *Service) migrateTables() error {

	// Records created before key forms were tracked were all indexed by subject key.
	var c int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info("credentials") where name = "key_form";`).Scan(&c)
	if err != nil {
		return err
	}

	if c == 0 {
		_, err := s.db.Exec(`
			ALTER TABLE credentials ADD COLUMN key_form INTEGER CHECK (key_form >= 0 AND key_form <= 1) NOT NULL DEFAULT 0;
		`)
		if err != nil {
			return err
		}
		s.logger.Info("Migrated credentials table", zap.String("column", "key_form"))
	}

	// Reservations made before ledger keys were reserved hold none.
	err = s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info("issuance_reservations") where name = "ledger_key";`).Scan(&c)
	if err != nil {
		return err
	}
	if c == 0 {
		if _, err := s.db.Exec(`ALTER TABLE issuance_reservations ADD COLUMN ledger_key TEXT;`); err != nil {
			return err
		}
		s.logger.Info("Migrated issuance_reservations table", zap.String("column", "ledger_key"))
	}
	_, err = s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS issuance_reservations_ledger_key ON issuance_reservations (ledger_key);
	`)
	return err
}

func (s *Service) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			subject_key TEXT NOT NULL,
			legacy_address TEXT NOT NULL DEFAULT '',
			document_type TEXT CHECK (document_type IN ('TRANSCRIPT', 'CERTIFICATION')) NOT NULL,
			fingerprint TEXT NOT NULL,
			cid TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			tx_hash TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			gas_used TEXT NOT NULL,
			gas_price TEXT NOT NULL,
			total_cost TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			issued_by TEXT NOT NULL DEFAULT '',
			is_revoked INTEGER CHECK (is_revoked >= 0 AND is_revoked <= 1) NOT NULL DEFAULT 0,
			revoked_at INTEGER NOT NULL DEFAULT 0,
			revocation_reason TEXT NOT NULL DEFAULT '',
			revocation_tx_hash TEXT NOT NULL DEFAULT '',
			revocation_block_number INTEGER NOT NULL DEFAULT 0,
			revocation_gas_used TEXT NOT NULL DEFAULT '',
			revocation_gas_price TEXT NOT NULL DEFAULT '',
			revocation_total_cost TEXT NOT NULL DEFAULT '',
			verification_count INTEGER NOT NULL DEFAULT 0,
			last_verified_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS credentials_active_subject
			ON credentials (subject_key) WHERE is_revoked = 0;
		CREATE UNIQUE INDEX IF NOT EXISTS credentials_active_fingerprint
			ON credentials (fingerprint) WHERE is_revoked = 0;
		CREATE INDEX IF NOT EXISTS credentials_issued_at ON credentials (issued_at);
		CREATE INDEX IF NOT EXISTS credentials_legacy_address ON credentials (legacy_address, fingerprint);

		CREATE TRIGGER IF NOT EXISTS credentials_revocation_is_terminal
			BEFORE UPDATE OF is_revoked ON credentials
			WHEN OLD.is_revoked = 1 AND NEW.is_revoked = 0
			BEGIN SELECT RAISE(ABORT, 'revocation is terminal'); END;
		CREATE TRIGGER IF NOT EXISTS credentials_anchor_is_immutable
			BEFORE UPDATE OF subject_key, legacy_address, fingerprint, cid ON credentials
			WHEN NEW.subject_key != OLD.subject_key OR NEW.legacy_address != OLD.legacy_address
				OR NEW.fingerprint != OLD.fingerprint OR NEW.cid != OLD.cid
			BEGIN SELECT RAISE(ABORT, 'credential anchor fields are immutable'); END;
		CREATE TRIGGER IF NOT EXISTS credentials_are_never_deleted
			BEFORE DELETE ON credentials
			BEGIN SELECT RAISE(ABORT, 'credentials are never deleted'); END;

		CREATE TABLE IF NOT EXISTS issuance_reservations (
			subject_key TEXT PRIMARY KEY,
			ledger_key TEXT,
			fingerprint TEXT UNIQUE,
			reserved_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	err = s.migrateTables()
	if err != nil {
		return err
	}
	return nil
}

const credentialColumns = `
	id, subject_key, legacy_address, key_form, document_type, fingerprint, cid, metadata,
	tx_hash, block_number, gas_used, gas_price, total_cost, issued_at, issued_by,
	is_revoked, revoked_at, revocation_reason,
	revocation_tx_hash, revocation_block_number, revocation_gas_used, revocation_gas_price, revocation_total_cost,
	verification_count, last_verified_at`

func (s *Service) prepareStatements() error {
	var err error

	if s.reserveSubjectStmt, err = s.db.Prepare(`
		INSERT INTO issuance_reservations (subject_key, ledger_key, reserved_at) VALUES (?, ?, ?);
	`); err != nil {
		return err
	}

	if s.claimFingerprintStmt, err = s.db.Prepare(`
		UPDATE issuance_reservations SET fingerprint = ? WHERE subject_key = ?;
	`); err != nil {
		return err
	}

	if s.releaseReservationStmt, err = s.db.Prepare(`
		DELETE FROM issuance_reservations WHERE subject_key = ?;
	`); err != nil {
		return err
	}

	if s.expireReservationStmt, err = s.db.Prepare(`
		DELETE FROM issuance_reservations WHERE (subject_key = ? OR ledger_key = ?) AND reserved_at < ?;
	`); err != nil {
		return err
	}

	if s.activeBySubjectStmt, err = s.db.Prepare(`
		SELECT id FROM credentials WHERE subject_key = ? AND is_revoked = 0 LIMIT 1;
	`); err != nil {
		return err
	}

	if s.activeByFingerprintStmt, err = s.db.Prepare(`
		SELECT id FROM credentials WHERE fingerprint = ? AND is_revoked = 0 LIMIT 1;
	`); err != nil {
		return err
	}

	if s.addCredentialStmt, err = s.db.Prepare(`
		INSERT INTO credentials (
			id, subject_key, legacy_address, key_form, document_type, fingerprint, cid, metadata,
			tx_hash, block_number, gas_used, gas_price, total_cost, issued_at, issued_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.getCredentialByIDStmt, err = s.db.Prepare(`
		SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?;
	`); err != nil {
		return err
	}

	// The live credential if there is one, else the most recently issued.
	if s.getLatestBySubjectStmt, err = s.db.Prepare(`
		SELECT ` + credentialColumns + ` FROM credentials WHERE subject_key = ?
		ORDER BY is_revoked ASC, issued_at DESC LIMIT 1;
	`); err != nil {
		return err
	}

	if s.byKeyFingerprintStmt, err = s.db.Prepare(`
		SELECT ` + credentialColumns + ` FROM credentials
		WHERE (legacy_address = ? OR subject_key = ?) AND fingerprint = ?
		ORDER BY is_revoked ASC, issued_at DESC LIMIT 1;
	`); err != nil {
		return err
	}

	// Subject keys and legacy addresses share the ledger's key space.
	if s.activeByLedgerKeyStmt, err = s.db.Prepare(`
		SELECT id FROM credentials
		WHERE is_revoked = 0 AND ((key_form = 0 AND subject_key = ?) OR (key_form = 1 AND legacy_address = ?))
		LIMIT 1;
	`); err != nil {
		return err
	}

	// The record whose entry the ledger currently holds for a key.
	if s.currentByLedgerKeyStmt, err = s.db.Prepare(`
		SELECT id FROM credentials
		WHERE (key_form = 0 AND subject_key = ?) OR (key_form = 1 AND legacy_address = ?)
		ORDER BY is_revoked ASC, issued_at DESC, rowid DESC LIMIT 1;
	`); err != nil {
		return err
	}

	if s.listCredentialsStmt, err = s.db.Prepare(`
		SELECT ` + credentialColumns + ` FROM credentials
		WHERE issued_at >= ? AND issued_at < ? ORDER BY issued_at ASC, id ASC;
	`); err != nil {
		return err
	}

	if s.revokeCredentialStmt, err = s.db.Prepare(`
		UPDATE credentials SET
			is_revoked = 1, revoked_at = ?, revocation_reason = ?,
			revocation_tx_hash = ?, revocation_block_number = ?,
			revocation_gas_used = ?, revocation_gas_price = ?, revocation_total_cost = ?
		WHERE id = ? AND is_revoked = 0;
	`); err != nil {
		return err
	}

	if s.recordVerificationStmt, err = s.db.Prepare(`
		UPDATE credentials SET verification_count = verification_count + 1, last_verified_at = ?
		WHERE id = ?;
	`); err != nil {
		return err
	}

	return nil
}

// emit appends an audit event. Failures are logged and never affect the caller.
func (s *Service) emit(ctx context.Context, e *models.CredentialEvent) {
	if s.audit == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("Failed to append audit event",
			zap.String("action", string(e.Action)),
			zap.String("subjectKey", e.SubjectKey),
			zap.Error(err))
		s.m.Counter("audit_append_failed").Inc()
	}
}

// mapLedgerWriteError translates ledger write failures into the service error taxonomy.
func mapLedgerWriteError(op string, err error) error {
	var confErr *ledger.ConfirmationError
	if errors.As(err, &confErr) {
		return &LedgerConfirmationError{
			msg:    fmt.Sprintf("ledger %s was not confirmed", op),
			TxHash: confErr.TxHash.Hex(),
			err:    err,
		}
	}
	return &LedgerSubmissionError{msg: fmt.Sprintf("ledger %s failed", op), err: err}
}

func (s *Service) Deinit() {
	// Close prepared statements
	for _, stmt := range []**sql.Stmt{
		&s.reserveSubjectStmt,
		&s.claimFingerprintStmt,
		&s.releaseReservationStmt,
		&s.expireReservationStmt,
		&s.activeBySubjectStmt,
		&s.activeByFingerprintStmt,
		&s.addCredentialStmt,
		&s.getCredentialByIDStmt,
		&s.getLatestBySubjectStmt,
		&s.byKeyFingerprintStmt,
		&s.activeByLedgerKeyStmt,
		&s.currentByLedgerKeyStmt,
		&s.listCredentialsStmt,
		&s.revokeCredentialStmt,
		&s.recordVerificationStmt,
	} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
