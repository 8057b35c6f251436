// Package audit stores the append-only trail of credential lifecycle events.
package audit

import (
	"context"

	"github.com/credential-registry/registry-api/models"
)

// Sink is an append-only event log.
type Sink interface {
	// Append records an event. Events are never updated or removed.
	Append(ctx context.Context, e *models.CredentialEvent) error
	// QueryByTarget returns the events for a credential record, oldest first.
	QueryByTarget(ctx context.Context, recordID string) ([]*models.CredentialEvent, error)
	Close() error
}
