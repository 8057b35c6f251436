package models

import "time"

type CredentialEventType string

const (
	CredentialIssued   CredentialEventType = "ISSUE_CREDENTIAL"
	CredentialRevoked  CredentialEventType = "REVOKE_CREDENTIAL"
	CredentialMismatch CredentialEventType = "RECONCILE_MISMATCH"
)

type EventStatus string

const (
	EventSucceeded EventStatus = "success"
	EventFailed    EventStatus = "failed"
)

// CredentialEvent is an audit entry emitted by the issuance and revocation paths.
type CredentialEvent struct {
	Action         CredentialEventType `json:"action"`
	Actor          string              `json:"actor,omitempty"`
	TargetRecordID string              `json:"targetRecordId,omitempty"`
	SubjectKey     string              `json:"subjectKey,omitempty"`
	Status         EventStatus         `json:"status"`
	Details        map[string]string   `json:"details,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}
