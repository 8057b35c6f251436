package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credential-registry/registry-api/database"
	"github.com/credential-registry/registry-api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvents(now time.Time) []*models.CredentialEvent {
	return []*models.CredentialEvent{
		{
			Action:         models.CredentialIssued,
			Actor:          "registrar",
			TargetRecordID: "rec-1",
			SubjectKey:     "S1",
			Status:         models.EventSucceeded,
			Details:        map[string]string{"txHash": "0xabc"},
			Timestamp:      now,
		},
		{
			Action:     models.CredentialIssued,
			Actor:      "registrar",
			SubjectKey: "S2",
			Status:     models.EventFailed,
			Details:    map[string]string{"error": "storage unavailable"},
			Timestamp:  now,
		},
		{
			Action:         models.CredentialRevoked,
			Actor:          "dean",
			TargetRecordID: "rec-1",
			SubjectKey:     "S1",
			Status:         models.EventSucceeded,
			Timestamp:      now.Add(time.Minute),
		},
	}
}

func exerciseSink(t *testing.T, sink Sink) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	for _, e := range testEvents(now) {
		require.NoError(t, sink.Append(ctx, e))
	}
	require.NoError(t, sink.Append(ctx, nil))

	events, err := sink.QueryByTarget(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.CredentialIssued, events[0].Action)
	assert.Equal(t, "0xabc", events[0].Details["txHash"])
	assert.True(t, now.Equal(events[0].Timestamp))
	assert.Equal(t, models.CredentialRevoked, events[1].Action)
	assert.Equal(t, "dean", events[1].Actor)

	events, err = sink.QueryByTarget(ctx, "rec-unknown")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	exerciseSink(t, sink)

	// Torn lines are skipped.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"action\":\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := sink.QueryByTarget(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Append(context.Background(), testEvents(time.Now())[0]), os.ErrClosed)

	_, err = NewJSONLSink("")
	assert.Error(t, err)
}

func TestSQLSink(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewSQLSink(db)
	require.NoError(t, err)
	defer sink.Close()
	exerciseSink(t, sink)

	// The table is append-only.
	_, err = db.Exec("UPDATE audit_events SET status = 'failed'")
	assert.Error(t, err)
	_, err = db.Exec("DELETE FROM audit_events")
	assert.Error(t, err)

	// Reopening against an existing table is fine.
	again, err := NewSQLSink(db)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
