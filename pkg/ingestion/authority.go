// Package ingestion implements the single component permitted to mint
// authoritative event hashes: the append_batch operation.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracelock/core/pkg/canonicalize"
	"github.com/tracelock/core/pkg/contracts"
	"github.com/tracelock/core/pkg/store"
)

// requestIDKey carries a transport-level request ID (stamped by
// internal/httpapi's middleware) onto the authority's own structured log
// lines, so a caller reporting an issue against one HTTP request ID can be
// matched back to the forensic LOG_DROP / rejection lines that request
// produced, without the authority importing anything HTTP-specific.
type requestIDKey struct{}

// ContextWithRequestID attaches a caller-supplied request ID to ctx for the
// lifetime of one AppendBatch call.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// reservedClientFields are the wire field names a client MUST NOT set;
// their presence on the wire — even set to a zero-ish value — is an
// AUTHORITY_LEAK, not a silent overwrite (spec §4.3 step 1).
var reservedClientFields = []string{"chain_authority", "event_hash", "prev_event_hash", "authority_id"}

// serverOnlyEventTypes can never originate from a client; only the
// authority itself mints them.
var serverOnlyEventTypes = map[contracts.EventType]bool{
	contracts.EventChainSeal: true,
	contracts.EventLogDrop:   true,
}

// Metrics is the minimal counter surface the authority drives; the
// concrete implementation (pkg/observability) wires these to OpenTelemetry
// instruments. Accepting an interface here, rather than importing
// pkg/observability directly, keeps the authority free of hidden
// singletons (spec §9: "both are injected").
type Metrics interface {
	RecordAccepted(sessionID string, sealed bool)
	RecordRejected(sessionID string, code contracts.Code)
	RecordDrop(sessionID string, reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAccepted(string, bool)         {}
func (noopMetrics) RecordRejected(string, contracts.Code) {}
func (noopMetrics) RecordDrop(string, string)           {}

// Config bounds the operational rate/abuse controls (spec §4.3: "MAY
// impose per-session caps... exceeding caps downgrades evidence but never
// crashes the component").
type Config struct {
	ServiceID string

	LockTimeout time.Duration

	MaxDropsPerSession int
	DropRatePerMinute  float64
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.MaxDropsPerSession <= 0 {
		c.MaxDropsPerSession = 50
	}
	if c.DropRatePerMinute <= 0 {
		c.DropRatePerMinute = 10
	}
	return c
}

// Authority is the ingestion authority described in spec §4.3: the only
// component permitted to mint authoritative hashes.
type Authority struct {
	store   store.Store
	cfg     Config
	clock   func() time.Time
	log     *slog.Logger
	metrics Metrics
	drops   *dropGuard
}

// Option configures an Authority at construction time.
type Option func(*Authority)

// WithClock overrides the wall clock, for deterministic tests — grounded
// on the teacher's pkg/envelope/validator.go WithClock pattern.
func WithClock(clock func() time.Time) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.log = l }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// NewAuthority constructs an Authority bound to a store and service id.
func NewAuthority(s store.Store, cfg Config, opts ...Option) *Authority {
	cfg = cfg.withDefaults()
	a := &Authority{
		store:   s,
		cfg:     cfg,
		clock:   time.Now,
		log:     slog.Default().With("component", "ingestion"),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.drops = newDropGuard(cfg.MaxDropsPerSession, cfg.DropRatePerMinute)
	return a
}

// Result is the outcome of one append_batch call (spec §6).
type Result struct {
	Accepted     bool
	LastSequence int64
	Sealed       bool
	ErrorCode    contracts.Code
	DropEvent    *contracts.Envelope
}

// AppendBatch implements the spec §4.3 acceptance algorithm. rawEvents is
// the ordered list of proposed envelopes exactly as received on the
// wire, still containing (and rejected for containing) any
// client-supplied authority fields.
func (a *Authority) AppendBatch(ctx context.Context, sessionID string, rawEvents []json.RawMessage, seal bool) (result *Result, err error) {
	if sessionID == "" {
		return nil, &contracts.RejectedBatchError{Code: contracts.CodeSchemaViolation, Violations: []contracts.Violation{
			contracts.NewViolation(contracts.CodeSchemaViolation, "session_id", "session_id is required"),
		}}
	}
	if len(rawEvents) == 0 {
		return nil, &contracts.RejectedBatchError{Code: contracts.CodeSchemaViolation, Violations: []contracts.Violation{
			contracts.NewViolation(contracts.CodeSchemaViolation, "events", "batch must contain at least one event"),
		}}
	}

	// Step 1: shape validation, before we ever touch the store.
	events, violations := a.validateShape(rawEvents)
	if len(violations) > 0 {
		a.metrics.RecordRejected(sessionID, violations[0].Code)
		return nil, &contracts.RejectedBatchError{Code: violations[0].Code, Violations: violations}
	}

	lock, err := a.store.LockSession(ctx, sessionID, a.cfg.LockTimeout)
	if err != nil {
		if err == store.ErrLockTimeout {
			return nil, &contracts.RejectedBatchError{Code: contracts.CodeStoreUnavailable, Violations: []contracts.Violation{
				contracts.NewViolation(contracts.CodeStoreUnavailable, "", "timed out acquiring session lock"),
			}}
		}
		return nil, fmt.Errorf("ingestion: lock session: %w", err)
	}
	// dropCommitted tracks whether the one intentional exception to
	// step-6 atomicity (§4.3.1's forensic LOG_DROP, committed in its own
	// sub-transaction plus a session-row update on the outer one) fired
	// before this call returned. Release commits the outer transaction
	// when the batch succeeded, or when a LOG_DROP's session-row update
	// is the one write that must survive a rejected batch; any other
	// error rolls the whole outer transaction back so no partial batch
	// is ever left committed (spec §4.3, §5).
	var dropCommitted bool
	defer func() {
		if err != nil && !dropCommitted {
			lock.Abort()
			return
		}
		lock.Release()
	}()
	lctx := store.WithLock(ctx, lock)

	// Step 2: session state check.
	state, err := a.store.SessionState(lctx, sessionID)
	if err != nil && err != store.ErrSessionNotFound {
		return nil, fmt.Errorf("ingestion: session_state: %w", err)
	}
	fresh := err == store.ErrSessionNotFound
	if !fresh && state.Status == contracts.SessionSealed {
		a.metrics.RecordRejected(sessionID, contracts.CodeSessionSealed)
		return nil, &contracts.RejectedBatchError{Code: contracts.CodeSessionSealed, Violations: []contracts.Violation{
			contracts.NewViolation(contracts.CodeSessionSealed, "session_id", "session %s is already sealed", sessionID),
		}}
	}
	if fresh {
		if events[0].EventType != contracts.EventSessionStart || events[0].SequenceNumber != 0 {
			a.metrics.RecordRejected(sessionID, contracts.CodeSchemaViolation)
			return nil, &contracts.RejectedBatchError{Code: contracts.CodeSchemaViolation, Violations: []contracts.Violation{
				contracts.NewViolation(contracts.CodeSchemaViolation, "events[0]", "a new session must start with SESSION_START at sequence_number 0"),
			}}
		}
	}

	// Step 5: single-authority enforcement.
	if !fresh && state.HasChainAuthority && state.ChainAuthority != contracts.AuthorityServer {
		a.metrics.RecordRejected(sessionID, contracts.CodeMixedAuthority)
		return nil, &contracts.RejectedBatchError{Code: contracts.CodeMixedAuthority, Violations: []contracts.Violation{
			contracts.NewViolation(contracts.CodeMixedAuthority, "chain_authority", "session already has a non-server authority on record"),
		}}
	}

	expected := uint64(0)
	prevHash := canonicalize.ZeroDigest
	if !fresh {
		expected = uint64(state.LastSequence + 1)
		prevHash = state.LastEventHash
	}

	// Step 3: sequence check.
	for _, ev := range events {
		if ev.SequenceNumber != expected {
			code := contracts.CodeSequenceViolation
			if ev.SequenceNumber < expected {
				code = contracts.CodeDuplicateSequence
			}
			dropEvent, dropErr := a.commitDrop(lctx, sessionID, expected, state)
			if dropErr != nil {
				a.log.Error("failed to commit forensic drop event", "session_id", sessionID, "request_id", requestIDFromContext(ctx), "error", dropErr)
			}
			dropCommitted = dropErr == nil
			a.metrics.RecordRejected(sessionID, code)
			return &Result{Accepted: false, ErrorCode: code, DropEvent: dropEvent}, &contracts.RejectedBatchError{
				Code: code,
				Violations: []contracts.Violation{
					contracts.NewViolation(code, "sequence_number", "expected %d, got %d", expected, ev.SequenceNumber),
				},
			}
		}
		expected++
	}

	// Step 4: hash recomputation and authority stamping.
	for _, ev := range events {
		payloadHash, err := canonicalize.PayloadHash(ev.Payload)
		if err != nil {
			a.metrics.RecordRejected(sessionID, contracts.CodeSchemaViolation)
			return nil, &contracts.RejectedBatchError{Code: contracts.CodeSchemaViolation, Violations: []contracts.Violation{
				contracts.NewViolation(contracts.CodeSchemaViolation, "payload", "payload does not canonicalize: %v", err),
			}}
		}
		ev.PayloadHash = payloadHash
		ev.ChainAuthority = contracts.AuthorityServer
		ev.AuthorityID = a.cfg.ServiceID
		ev.PrevEventHash = prevHash

		eventHash, err := canonicalize.EventHash(ev.Signed())
		if err != nil {
			return nil, fmt.Errorf("ingestion: event_hash: %w", err)
		}
		ev.EventHash = eventHash
		prevHash = eventHash
	}

	// Step 6a: seal precondition, checked before anything is persisted —
	// spec §4.3/§5 require that failure of any step commits nothing, and
	// a rejected seal request must not leave the batch's events behind.
	if seal {
		lastType := events[len(events)-1].EventType
		if lastType != contracts.EventSessionEnd {
			a.metrics.RecordRejected(sessionID, contracts.CodeMissingSessionEnd)
			return nil, &contracts.RejectedBatchError{Code: contracts.CodeMissingSessionEnd, Violations: []contracts.Violation{
				contracts.NewViolation(contracts.CodeMissingSessionEnd, "seal", "seal requested but batch does not end in SESSION_END"),
			}}
		}
	}

	// Step 6b: atomic persist.
	if err := a.store.AppendEvents(lctx, sessionID, events); err != nil {
		return nil, fmt.Errorf("ingestion: append_events: %w", err)
	}

	result = &Result{Accepted: true, LastSequence: int64(events[len(events)-1].SequenceNumber)}

	// Step 7: seal, if requested. The precondition above already holds, so
	// only the seal event's own persistence can still fail here.
	if seal {
		sealEvent, err := a.buildSealEvent(sessionID, events[len(events)-1])
		if err != nil {
			return nil, fmt.Errorf("ingestion: build_seal: %w", err)
		}
		if err := a.store.AppendEvents(lctx, sessionID, []*contracts.Envelope{sealEvent}); err != nil {
			return nil, fmt.Errorf("ingestion: append_seal: %w", err)
		}
		if err := a.store.MarkSealed(lctx, sessionID); err != nil {
			return nil, fmt.Errorf("ingestion: mark_sealed: %w", err)
		}
		result.Sealed = true
		result.LastSequence = int64(sealEvent.SequenceNumber)
	}

	a.metrics.RecordAccepted(sessionID, result.Sealed)
	return result, nil
}

// buildSealEvent constructs the CHAIN_SEAL event per spec §4.3 step 7:
// session_digest is the event_hash of the last non-seal event, which at
// this point is lastCommitted (the just-appended SESSION_END or, in a
// future resumed-session shape, whatever the caller's final event was).
func (a *Authority) buildSealEvent(sessionID string, lastCommitted *contracts.Envelope) (*contracts.Envelope, error) {
	payload := contracts.SealPayload{
		IngestionServiceID: a.cfg.ServiceID,
		SealTimestamp:      a.clock().UTC().Format(time.RFC3339),
		SessionDigest:      lastCommitted.EventHash,
	}

	payloadHash, err := canonicalize.PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	seal := &contracts.Envelope{
		EventID:        "seal-" + sessionID + "-" + fmt.Sprint(lastCommitted.SequenceNumber+1),
		SessionID:      sessionID,
		SequenceNumber: lastCommitted.SequenceNumber + 1,
		TimestampWall:  a.clock().UTC().Format(time.RFC3339),
		EventType:      contracts.EventChainSeal,
		SchemaVer:      contracts.SchemaVersion,
		Payload:        payload,
		PayloadHash:    payloadHash,
		PrevEventHash:  lastCommitted.EventHash,
		ChainAuthority: contracts.AuthorityServer,
		AuthorityID:    a.cfg.ServiceID,
	}

	eventHash, err := canonicalize.EventHash(seal.Signed())
	if err != nil {
		return nil, err
	}
	seal.EventHash = eventHash
	return seal, nil
}

// commitDrop builds and persists the forensic LOG_DROP event required by
// spec §4.3.1 when the sequence check fails. It is committed in its own
// localized transaction even though the caller still holds the session
// lock; the store implementation is responsible for the transaction
// boundary (see pkg/store.Store.AppendDropEvent).
func (a *Authority) commitDrop(ctx context.Context, sessionID string, expectedSeq uint64, state *store.SessionState) (*contracts.Envelope, error) {
	reason := contracts.DropReasonNetworkLoss
	prevHash := canonicalize.ZeroDigest
	cumulative := 1
	if state != nil {
		prevHash = state.LastEventHash
		cumulative = state.DropCount + 1
	}

	if !a.drops.allow(sessionID) {
		a.log.Warn("drop rate/count cap exceeded, suppressing further forensic drop commits", "session_id", sessionID, "request_id", requestIDFromContext(ctx))
		return nil, nil
	}

	payload := contracts.LogDropPayload{
		DroppedCount:    1,
		CumulativeDrops: cumulative,
		DropReason:      reason,
		SequenceRange:   &[2]uint64{expectedSeq, expectedSeq},
	}
	payloadHash, err := canonicalize.PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	drop := &contracts.Envelope{
		EventID:        fmt.Sprintf("drop-%s-%d", sessionID, expectedSeq),
		SessionID:      sessionID,
		SequenceNumber: expectedSeq,
		TimestampWall:  a.clock().UTC().Format(time.RFC3339),
		EventType:      contracts.EventLogDrop,
		SchemaVer:      contracts.SchemaVersion,
		Payload:        payload,
		PayloadHash:    payloadHash,
		PrevEventHash:  prevHash,
		ChainAuthority: contracts.AuthorityServer,
		AuthorityID:    a.cfg.ServiceID,
	}
	eventHash, err := canonicalize.EventHash(drop.Signed())
	if err != nil {
		return nil, err
	}
	drop.EventHash = eventHash

	if err := a.store.AppendDropEvent(ctx, sessionID, drop); err != nil {
		return nil, err
	}
	a.metrics.RecordDrop(sessionID, reason)
	return drop, nil
}

// validateShape implements spec §4.3 step 1. It decodes each raw
// envelope twice: once into a generic map to detect the presence of
// reserved fields (a struct decode can't distinguish "absent" from "zero
// value" for fields without omitempty), and once into contracts.Envelope
// for typed field access. Authority fields present on the wire are
// rejected outright rather than silently stripped, per spec: "their
// presence on the wire raises AUTHORITY_LEAK."
func (a *Authority) validateShape(rawEvents []json.RawMessage) ([]*contracts.Envelope, []contracts.Violation) {
	var violations []contracts.Violation
	events := make([]*contracts.Envelope, 0, len(rawEvents))

	for i, raw := range rawEvents {
		var generic map[string]interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d]", i), "malformed JSON: %v", err))
			continue
		}

		for _, field := range reservedClientFields {
			if _, present := generic[field]; present {
				violations = append(violations, contracts.NewViolation(contracts.CodeAuthorityLeak, fmt.Sprintf("events[%d].%s", i, field), "client-supplied authority field is not permitted on the wire"))
			}
		}

		var ev contracts.Envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d]", i), "does not match envelope schema: %v", err))
			continue
		}

		if !contracts.KnownEventTypes[ev.EventType] {
			violations = append(violations, contracts.NewViolation(contracts.CodeUnknownEventType, fmt.Sprintf("events[%d].event_type", i), "unknown event_type %q", ev.EventType))
		}
		if !contracts.KnownSchemaVersions[ev.SchemaVer] {
			violations = append(violations, contracts.NewViolation(contracts.CodeUnknownSchemaVersion, fmt.Sprintf("events[%d].schema_ver", i), "unknown schema_ver %q", ev.SchemaVer))
		}
		if serverOnlyEventTypes[ev.EventType] {
			violations = append(violations, contracts.NewViolation(contracts.CodeAuthorityLeak, fmt.Sprintf("events[%d].event_type", i), "%s may only be minted by the ingestion authority", ev.EventType))
		}
		if ev.EventID == "" {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d].event_id", i), "event_id is required"))
		}
		if ev.SessionID == "" {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d].session_id", i), "session_id is required"))
		}
		if _, err := contracts.ParseTimestampWall(ev.TimestampWall); err != nil {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d].timestamp_wall", i), "timestamp_wall is not RFC 3339: %v", err))
		}
		if ev.EventType == contracts.EventSessionEnd {
			if status, ok := statusFromPayload(ev.Payload); !ok || !contracts.KnownSessionEndStatuses[status] {
				violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d].payload.status", i), "SESSION_END payload requires a known status"))
			}
		}
		if _, err := canonicalize.JCS(ev.Payload); err != nil {
			violations = append(violations, contracts.NewViolation(contracts.CodeSchemaViolation, fmt.Sprintf("events[%d].payload", i), "payload does not canonicalize: %v", err))
		}

		events = append(events, &ev)
	}

	return events, violations
}

func statusFromPayload(payload interface{}) (string, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	status, ok := m["status"].(string)
	return status, ok
}
