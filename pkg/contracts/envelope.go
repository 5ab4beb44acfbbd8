// Package contracts defines the event envelope — the only record shape
// that crosses the trust boundary between an untrusted client and the
// ingestion authority — and the closed enums that constrain it.
package contracts

import (
	"time"
)

// EventType is a closed enum of record kinds. The verifier rejects any
// value outside this set.
type EventType string

const (
	EventSessionStart       EventType = "SESSION_START"
	EventSessionEnd         EventType = "SESSION_END"
	EventModelRequest       EventType = "MODEL_REQUEST"
	EventModelResponse      EventType = "MODEL_RESPONSE"
	EventToolCall           EventType = "TOOL_CALL"
	EventToolResult         EventType = "TOOL_RESULT"
	EventAgentStateSnapshot EventType = "AGENT_STATE_SNAPSHOT"
	EventDecisionTrace      EventType = "DECISION_TRACE"
	EventError              EventType = "ERROR"
	EventAnnotation         EventType = "ANNOTATION"
	EventChainSeal          EventType = "CHAIN_SEAL"
	EventLogDrop            EventType = "LOG_DROP"
)

// KnownEventTypes is the full closed set, used by both the ingestion
// authority's shape validation and the verifier's envelope-shape check.
var KnownEventTypes = map[EventType]bool{
	EventSessionStart:       true,
	EventSessionEnd:         true,
	EventModelRequest:       true,
	EventModelResponse:      true,
	EventToolCall:           true,
	EventToolResult:         true,
	EventAgentStateSnapshot: true,
	EventDecisionTrace:      true,
	EventError:              true,
	EventAnnotation:         true,
	EventChainSeal:          true,
	EventLogDrop:            true,
}

// ChainAuthority identifies who is responsible for a session's hashes.
type ChainAuthority string

const (
	AuthorityServer  ChainAuthority = "server"
	AuthoritySDK     ChainAuthority = "sdk"
	AuthorityUnknown ChainAuthority = "unknown"
)

// SchemaVersion is the current envelope schema tag. The verifier rejects
// any other value (spec §3: "verifier rejects unknown").
const SchemaVersion = "v0.6"

// KnownSchemaVersions is the set of schema_ver values the verifier
// accepts. A single-entry set today; future versions are added here as
// the schema evolves, never silently accepted by relaxing the check.
var KnownSchemaVersions = map[string]bool{
	SchemaVersion: true,
}

// SessionStatus is the lifecycle state of a session (spec §3).
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionSealed    SessionStatus = "SEALED"
	SessionAbandoned SessionStatus = "ABANDONED"
)

// EvidenceClass is the machine-derived grade assigned after verification
// (spec §3).
type EvidenceClass string

const (
	ClassAuthoritative        EvidenceClass = "AUTHORITATIVE"
	ClassPartialAuthoritative EvidenceClass = "PARTIAL_AUTHORITATIVE"
	ClassNonAuthoritative     EvidenceClass = "NON_AUTHORITATIVE"
	ClassFailed               EvidenceClass = "FAILED"
)

// Envelope is the event envelope described in spec §3. JSON tags match
// the wire format exactly; field presence/absence on the wire (not just
// Go zero values) matters for AUTHORITY_LEAK detection, so the ingestion
// layer decodes into json.RawMessage/map first (see pkg/ingestion) rather
// than unmarshaling straight into this struct when it needs to tell
// "absent" from "zero value".
type Envelope struct {
	EventID             string          `json:"event_id"`
	SessionID           string          `json:"session_id"`
	SequenceNumber      uint64          `json:"sequence_number"`
	TimestampWall       string          `json:"timestamp_wall"`
	TimestampMonotonic  float64         `json:"timestamp_monotonic,omitempty"`
	EventType           EventType       `json:"event_type"`
	SchemaVer           string          `json:"schema_ver"`
	Payload             interface{}     `json:"payload"`
	PayloadHash         string          `json:"payload_hash"`
	PrevEventHash       string          `json:"prev_event_hash"`
	EventHash           string          `json:"event_hash"`
	ChainAuthority      ChainAuthority  `json:"chain_authority"`
	AuthorityID         string          `json:"authority_id,omitempty"`
}

// SignedFields is exactly the ordered set spec §3 defines as participating
// in the event hash: event_id, session_id, sequence_number,
// timestamp_wall, event_type, payload_hash, prev_event_hash. Deliberately
// excludes chain_authority, timestamp_monotonic, authority_id, and the
// payload itself — see DESIGN.md / spec §9 "Authority laundering
// defense" for why chain_authority in particular must stay outside the
// hash.
type SignedFields struct {
	EventID        string    `json:"event_id"`
	SessionID      string    `json:"session_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	TimestampWall  string    `json:"timestamp_wall"`
	EventType      EventType `json:"event_type"`
	PayloadHash    string    `json:"payload_hash"`
	PrevEventHash  string    `json:"prev_event_hash"`
}

// Signed projects an envelope down to its SignedFields.
func (e *Envelope) Signed() SignedFields {
	return SignedFields{
		EventID:        e.EventID,
		SessionID:      e.SessionID,
		SequenceNumber: e.SequenceNumber,
		TimestampWall:  e.TimestampWall,
		EventType:      e.EventType,
		PayloadHash:    e.PayloadHash,
		PrevEventHash:  e.PrevEventHash,
	}
}

// ParseTimestampWall parses the wall clock timestamp with time.RFC3339
// and returns an error for anything that is not RFC 3339 — the verifier
// treats a malformed timestamp as a structural violation, not a warning.
// It does not check for a Z (UTC) suffix or for millisecond precision:
// any offset and any number of fractional digits are accepted.
func ParseTimestampWall(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// SealPayload is the payload shape required for a CHAIN_SEAL event
// (spec §4.2).
type SealPayload struct {
	IngestionServiceID string `json:"ingestion_service_id"`
	SealTimestamp      string `json:"seal_timestamp"`
	SessionDigest      string `json:"session_digest"`
}

// LogDropPayload is the payload shape for a forensic LOG_DROP event
// (spec §4.2, §4.3.1).
type LogDropPayload struct {
	DroppedCount   int            `json:"dropped_count"`
	CumulativeDrops int           `json:"cumulative_drops"`
	DropReason     string         `json:"drop_reason"`
	SequenceRange  *[2]uint64     `json:"sequence_range,omitempty"`
}

// Drop reason enum (spec §4.2).
const (
	DropReasonBufferFull  = "BUFFER_FULL"
	DropReasonNetworkLoss = "NETWORK_LOSS"
	DropReasonSDKCrash    = "SDK_CRASH"
)

// KnownDropReasons is the closed set the verifier/ingestion accept.
var KnownDropReasons = map[string]bool{
	DropReasonBufferFull:  true,
	DropReasonNetworkLoss: true,
	DropReasonSDKCrash:    true,
}

// SessionEndStatus enum (spec §4.2).
const (
	SessionEndSuccess   = "success"
	SessionEndFailure   = "failure"
	SessionEndTimeout   = "timeout"
	SessionEndCancelled = "cancelled"
)

var KnownSessionEndStatuses = map[string]bool{
	SessionEndSuccess:   true,
	SessionEndFailure:   true,
	SessionEndTimeout:   true,
	SessionEndCancelled: true,
}

// RedactedMarker is the literal value spec §4.2 defines as triggering the
// redaction-sibling-hash requirement.
const RedactedMarker = "[REDACTED]"
