package ingestion_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracelock/core/pkg/contracts"
	"github.com/tracelock/core/pkg/ingestion"
	"github.com/tracelock/core/pkg/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func rawEvent(t *testing.T, eventID, sessionID string, seq uint64, eventType contracts.EventType, payload interface{}) json.RawMessage {
	t.Helper()
	env := map[string]interface{}{
		"event_id":            eventID,
		"session_id":          sessionID,
		"sequence_number":     seq,
		"timestamp_wall":      "2026-01-01T00:00:00.000Z",
		"timestamp_monotonic": 0.0,
		"event_type":          string(eventType),
		"schema_ver":          contracts.SchemaVersion,
		"payload":             payload,
		"payload_hash":        "sha256:" + strings.Repeat("0", 64),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func newAuthority() (*ingestion.Authority, store.Store) {
	s := store.NewMemoryStore()
	return ingestion.NewAuthority(s, ingestion.Config{ServiceID: "svc-1"}, ingestion.WithClock(fixedClock())), s
}

func TestAppendBatch_HappyPathAcceptsAndSeals(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-1"

	batch := []json.RawMessage{
		rawEvent(t, "ev-0", sessionID, 0, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
		rawEvent(t, "ev-1", sessionID, 1, contracts.EventSessionEnd, map[string]interface{}{"status": "success", "duration": 1.0}),
	}

	result, err := auth.AppendBatch(context.Background(), sessionID, batch, true)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.True(t, result.Sealed)

	events, err := s.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, events, 3) // start, end, seal
	require.Equal(t, contracts.EventChainSeal, events[2].EventType)
	require.Equal(t, contracts.AuthorityServer, events[0].ChainAuthority)
}

func TestAppendBatch_AuthorityLeakRejectsWholeBatch(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-leak"

	leaked := map[string]interface{}{
		"event_id":            "ev-0",
		"session_id":          sessionID,
		"sequence_number":     0,
		"timestamp_wall":      "2026-01-01T00:00:00.000Z",
		"timestamp_monotonic": 0.0,
		"event_type":          string(contracts.EventSessionStart),
		"schema_ver":          contracts.SchemaVersion,
		"payload":             map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"},
		"payload_hash":        "sha256:" + strings.Repeat("0", 64),
		"chain_authority":     "primary",
	}
	raw, err := json.Marshal(leaked)
	require.NoError(t, err)

	result, err := auth.AppendBatch(context.Background(), sessionID, []json.RawMessage{raw}, false)
	require.Error(t, err)
	require.Nil(t, result)

	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeAuthorityLeak, rejected.Code)

	_, readErr := s.ReadAll(context.Background(), sessionID)
	require.NoError(t, readErr) // ReadAll on an empty/never-created session returns no rows, not an error
}

func TestAppendBatch_ServerOnlyEventTypeRejected(t *testing.T) {
	auth, _ := newAuthority()
	sessionID := "session-fake-seal"

	fake := rawEvent(t, "ev-0", sessionID, 0, contracts.EventChainSeal, map[string]interface{}{
		"ingestion_service_id": "attacker", "seal_timestamp": "2026-01-01T00:00:00.000Z", "session_digest": "sha256:deadbeef",
	})

	_, err := auth.AppendBatch(context.Background(), sessionID, []json.RawMessage{fake}, false)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeAuthorityLeak, rejected.Code)
}

func TestAppendBatch_ReSealRejectedAsSessionSealed(t *testing.T) {
	auth, _ := newAuthority()
	sessionID := "session-resealed"

	batch := []json.RawMessage{
		rawEvent(t, "ev-0", sessionID, 0, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
		rawEvent(t, "ev-1", sessionID, 1, contracts.EventSessionEnd, map[string]interface{}{"status": "success", "duration": 1.0}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, batch, true)
	require.NoError(t, err)

	more := []json.RawMessage{
		rawEvent(t, "ev-2", sessionID, 3, contracts.EventAnnotation, map[string]interface{}{"note": "late"}),
	}
	_, err = auth.AppendBatch(context.Background(), sessionID, more, true)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeSessionSealed, rejected.Code)
}

func TestAppendBatch_SequenceGapCommitsForensicDrop(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-gap"

	start := []json.RawMessage{
		rawEvent(t, "ev-0", sessionID, 0, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, start, false)
	require.NoError(t, err)

	gapped := []json.RawMessage{
		rawEvent(t, "ev-5", sessionID, 5, contracts.EventToolCall, map[string]interface{}{"tool": "grep"}),
	}
	result, err := auth.AppendBatch(context.Background(), sessionID, gapped, false)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeSequenceViolation, rejected.Code)
	require.NotNil(t, result)
	require.NotNil(t, result.DropEvent)
	require.Equal(t, contracts.EventLogDrop, result.DropEvent.EventType)

	events, err := s.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, events, 2) // SESSION_START + LOG_DROP
	require.Equal(t, contracts.EventLogDrop, events[1].EventType)
}

// TestAppendBatch_MixedAuthorityRejected simulates a session that
// already has a non-server chain_authority on record (e.g. an
// SDK-direct-chained session from before this authority existed) by
// seeding the store directly, then asserts the authority refuses to
// extend it (spec §4.3 step 5, "single-authority enforcement").
func TestAppendBatch_MixedAuthorityRejected(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-mixed"

	seed := &contracts.Envelope{
		EventID:        "ev-0",
		SessionID:      sessionID,
		SequenceNumber: 0,
		TimestampWall:  "2026-01-01T00:00:00.000Z",
		EventType:      contracts.EventSessionStart,
		SchemaVer:      contracts.SchemaVersion,
		Payload:        map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"},
		PayloadHash:    "sha256:" + strings.Repeat("0", 64),
		PrevEventHash:  "sha256:" + strings.Repeat("0", 64),
		ChainAuthority: contracts.AuthoritySDK,
	}
	require.NoError(t, s.AppendEvents(context.Background(), sessionID, []*contracts.Envelope{seed}))

	next := []json.RawMessage{
		rawEvent(t, "ev-1", sessionID, 1, contracts.EventToolCall, map[string]interface{}{"tool": "grep"}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, next, false)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeMixedAuthority, rejected.Code)
}

// TestAppendBatch_ConcurrentCallsProduceTotalOrder covers spec §8
// property 10: under concurrent append_batch calls to the same session,
// the committed sequence is a total order with no duplicates and no
// gaps — exactly one caller's batch wins a racing sequence slot, every
// other racing caller is rejected with SEQUENCE_VIOLATION/DUPLICATE_SEQUENCE.
func TestAppendBatch_ConcurrentCallsProduceTotalOrder(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-concurrent"

	start := []json.RawMessage{
		rawEvent(t, "ev-0", sessionID, 0, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, start, false)
	require.NoError(t, err)

	const n = 20
	raceEvent := rawEvent(t, "ev-race", sessionID, 1, contracts.EventToolCall, map[string]interface{}{"tool": "race"})

	var wg sync.WaitGroup
	accepted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := auth.AppendBatch(context.Background(), sessionID, []json.RawMessage{raceEvent}, false)
			accepted[i] = err == nil
		}(i)
	}
	wg.Wait()

	acceptedCount := 0
	for _, ok := range accepted {
		if ok {
			acceptedCount++
		}
	}
	require.Equal(t, 1, acceptedCount, "exactly one racing writer should claim sequence_number 1")

	events, err := s.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	seen := map[uint64]bool{}
	for _, ev := range events {
		if ev.EventType == contracts.EventLogDrop {
			continue
		}
		require.False(t, seen[ev.SequenceNumber], "duplicate sequence_number %d committed", ev.SequenceNumber)
		seen[ev.SequenceNumber] = true
	}
}

func TestAppendBatch_EmptyBatchRejected(t *testing.T) {
	auth, _ := newAuthority()
	_, err := auth.AppendBatch(context.Background(), "session-empty", nil, false)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeSchemaViolation, rejected.Code)
}

func TestAppendBatch_MissingSessionIDRejected(t *testing.T) {
	auth, _ := newAuthority()
	batch := []json.RawMessage{rawEvent(t, "ev-0", "", 0, contracts.EventSessionStart, map[string]interface{}{})}
	_, err := auth.AppendBatch(context.Background(), "", batch, false)
	require.Error(t, err)
}

func TestAppendBatch_NewSessionMustStartAtZero(t *testing.T) {
	auth, _ := newAuthority()
	sessionID := "session-bad-start"
	batch := []json.RawMessage{
		rawEvent(t, "ev-1", sessionID, 1, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, batch, false)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeSchemaViolation, rejected.Code)
}

func TestAppendBatch_SealWithoutSessionEndRejected(t *testing.T) {
	auth, s := newAuthority()
	sessionID := "session-bad-seal"
	batch := []json.RawMessage{
		rawEvent(t, "ev-0", sessionID, 0, contracts.EventSessionStart, map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
	}
	_, err := auth.AppendBatch(context.Background(), sessionID, batch, true)
	require.Error(t, err)
	var rejected *contracts.RejectedBatchError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, contracts.CodeMissingSessionEnd, rejected.Code)

	// spec §4.3/§5: a rejected seal request must not leave the batch's
	// own events committed — only the forensic LOG_DROP path (§4.3.1)
	// is allowed to survive a rejection, and this isn't it.
	events, err := s.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = s.SessionState(context.Background(), sessionID)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}
