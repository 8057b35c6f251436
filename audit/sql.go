package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/credential-registry/registry-api/models"
)

// SQLSink stores events in the audit_events table of the record store's database.
type SQLSink struct {
	db        *sql.DB
	addStmt   *sql.Stmt
	queryStmt *sql.Stmt
}

// NewSQLSink creates the audit_events table if needed and prepares its statements.
func NewSQLSink(db *sql.DB) (*SQLSink, error) {
	s := &SQLSink{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			target_record_id TEXT NOT NULL DEFAULT '',
			subject_key TEXT NOT NULL DEFAULT '',
			status TEXT CHECK (status IN ('success', 'failed')) NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS audit_events_target ON audit_events (target_record_id);
		CREATE TRIGGER IF NOT EXISTS audit_events_append_only_update
			BEFORE UPDATE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
		CREATE TRIGGER IF NOT EXISTS audit_events_append_only_delete
			BEFORE DELETE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
	`); err != nil {
		return nil, err
	}

	var err error
	if s.addStmt, err = db.Prepare(`
		INSERT INTO audit_events (action, actor, target_record_id, subject_key, status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return nil, err
	}
	if s.queryStmt, err = db.Prepare(`
		SELECT action, actor, target_record_id, subject_key, status, details, timestamp
		FROM audit_events WHERE target_record_id = ? ORDER BY id;
	`); err != nil {
		s.addStmt.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) Append(ctx context.Context, e *models.CredentialEvent) error {
	if e == nil {
		return nil
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	_, err = s.addStmt.ExecContext(ctx,
		e.Action, e.Actor, e.TargetRecordID, e.SubjectKey, e.Status, string(details), e.Timestamp.UnixMilli())
	return err
}

func (s *SQLSink) QueryByTarget(ctx context.Context, recordID string) ([]*models.CredentialEvent, error) {
	rows, err := s.queryStmt.QueryContext(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CredentialEvent
	for rows.Next() {
		var e models.CredentialEvent
		var details string
		var ts int64
		if err := rows.Scan(&e.Action, &e.Actor, &e.TargetRecordID, &e.SubjectKey, &e.Status, &details, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, err
		}
		if len(e.Details) == 0 {
			e.Details = nil
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close releases the prepared statements. The database is owned by the caller.
func (s *SQLSink) Close() error {
	for _, stmt := range []**sql.Stmt{&s.addStmt, &s.queryStmt} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
	return nil
}
