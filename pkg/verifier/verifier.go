// Package verifier provides offline EvidenceCore session verification.
//
// This package is intentionally minimal with ZERO dependencies beyond the
// standard library and pkg/canonicalize (itself dependency-free other than
// a pure-Go canonicalization transform). It is a pure function of input
// bytes to a verification report: no I/O beyond reading the input stream,
// no goroutines, no shared state, no wall-clock dependence in its
// decisions. An adversarial third party auditing a session needs to trust
// nothing but this package and the bytes in hand.
package verifier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tracelock/core/pkg/canonicalize"
	"github.com/tracelock/core/pkg/contracts"
)

// ReportVersion is bumped whenever the shape of Report changes in a way
// that could affect a consumer's parsing.
const ReportVersion = "v1"

// Status is the coarse pass/fail outcome (spec §4.5 report fields).
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Violation is one fatal or advisory finding surfaced in a report.
type Violation struct {
	Code    contracts.Code `json:"error_code"`
	Line    int            `json:"line,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

// Report is the stable public contract described in spec §4.5: "Report
// fields (stable public contract)".
type Report struct {
	ReportVersion      string               `json:"report_version"`
	SessionID          string               `json:"session_id"`
	Status             Status               `json:"status"`
	EvidenceClass      contracts.EvidenceClass `json:"evidence_class"`
	Authority          contracts.ChainAuthority `json:"authority"`
	Sealed             bool                 `json:"sealed"`
	Complete           bool                 `json:"complete"`
	TotalDrops         int                  `json:"total_drops"`
	PartialReasons     []string             `json:"partial_reasons,omitempty"`
	Violations         []Violation          `json:"violations,omitempty"`
	ReplayFingerprint  string               `json:"replay_fingerprint,omitempty"`
	EventCount         int                  `json:"event_count"`
	HasRedactedFields  bool                 `json:"has_redacted_fields"`

	// EventIDs and RecomputedHashes are the inputs pkg/merkle needs to
	// build an inclusion proof over this verification run — index i of
	// each slice describes the same event. Excluded from the stable
	// public JSON contract (spec §4.5 lists the fields above as the
	// report shape); kept here only for same-process callers (the CLI's
	// --merkle-proof flag, the HTTP proof endpoint) that want a proof
	// grounded in THIS verifier's own recomputation rather than trusting
	// stored hashes — the same zero-trust discipline step 6 applies to
	// prev_event_hash applies here.
	EventIDs         []string `json:"-"`
	RecomputedHashes []string `json:"-"`
}

// fatal appends a fatal violation. The verifier continues collecting
// after the first fatal finding (spec §7: "the verifier continues
// collecting violations after the first fatal finding so the caller sees
// the full failure surface").
func (r *Report) fatal(code contracts.Code, line int, field, format string, args ...interface{}) {
	r.Violations = append(r.Violations, Violation{
		Code: code, Line: line, Field: field, Message: fmt.Sprintf(format, args...),
	})
}

func (r *Report) hasFatal() bool { return len(r.Violations) > 0 }

// Verify runs the full spec §4.5 algorithm over a line-delimited JSON
// event stream (one envelope per line) and returns the verification
// report. Verify never returns a nil *Report: even on a LOAD_ERROR the
// caller gets a report with Status=FAIL and the triggering violation, so
// callers can always marshal and log the result. The returned error is
// non-nil only when the input could not be read (an io.Reader that
// errors mid-read); the report then carries the LOAD_ERROR violation.
func Verify(r io.Reader) (*Report, error) {
	report := &Report{ReportVersion: ReportVersion, Status: StatusPass}

	lines, readErr := readLines(r)
	if readErr != nil {
		report.Status = StatusFail
		report.EvidenceClass = contracts.ClassFailed
		report.fatal(contracts.CodeLoadError, 0, "", "reading input: %v", readErr)
		return report, fmt.Errorf("verifier: reading input: %w", readErr)
	}
	if len(lines) == 0 {
		report.Status = StatusFail
		report.EvidenceClass = contracts.ClassFailed
		report.fatal(contracts.CodeLoadError, 0, "", "input stream contains no events")
		return report, nil
	}

	// Step 1 + 2: parse and shape-check every line independently so a
	// single malformed line never prevents checking the rest.
	envelopes := make([]*contracts.Envelope, 0, len(lines))
	rawGeneric := make([]map[string]interface{}, 0, len(lines))
	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var generic map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(trimmed))
		if err := dec.Decode(&generic); err != nil {
			report.fatal(contracts.CodeSchemaViolation, lineNo, "", "malformed JSON: %v", err)
			continue
		}
		if dec.More() {
			report.fatal(contracts.CodeSchemaViolation, lineNo, "", "trailing garbage after JSON object")
			continue
		}

		var ev contracts.Envelope
		if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
			report.fatal(contracts.CodeSchemaViolation, lineNo, "", "does not match envelope schema: %v", err)
			continue
		}

		if !contracts.KnownEventTypes[ev.EventType] {
			report.fatal(contracts.CodeUnknownEventType, lineNo, "event_type", "unknown event_type %q", ev.EventType)
			continue
		}
		if !contracts.KnownSchemaVersions[ev.SchemaVer] {
			report.fatal(contracts.CodeUnknownSchemaVersion, lineNo, "schema_ver", "unknown schema_ver %q", ev.SchemaVer)
			continue
		}
		if ev.EventID == "" || ev.SessionID == "" {
			report.fatal(contracts.CodeSchemaViolation, lineNo, "", "missing event_id or session_id")
			continue
		}
		if _, err := contracts.ParseTimestampWall(ev.TimestampWall); err != nil {
			report.fatal(contracts.CodeSchemaViolation, lineNo, "timestamp_wall", "not RFC 3339: %v", err)
			continue
		}

		envelopes = append(envelopes, &ev)
		rawGeneric = append(rawGeneric, generic)
	}

	if len(envelopes) == 0 {
		report.Status = StatusFail
		report.EvidenceClass = contracts.ClassFailed
		return report, nil
	}

	report.SessionID = envelopes[0].SessionID
	report.EventCount = len(envelopes)

	// Step 3: authority set cardinality.
	authoritySet := map[contracts.ChainAuthority]bool{}
	for _, ev := range envelopes {
		authoritySet[ev.ChainAuthority] = true
	}
	if len(authoritySet) != 1 {
		report.fatal(contracts.CodeMixedAuthority, 0, "chain_authority", "session has %d distinct chain_authority values, expected exactly 1", len(authoritySet))
	} else {
		for a := range authoritySet {
			report.Authority = a
		}
	}

	// Step 4: sequence monotonicity. Every gap/duplicate is fatal, but a
	// LOG_DROP legitimately occupies its own slot (spec §4.5 step 4).
	expected := uint64(0)
	dropCount := 0
	for _, ev := range envelopes {
		if ev.SequenceNumber != expected {
			code := contracts.CodeSequenceViolation
			if ev.SequenceNumber < expected {
				code = contracts.CodeDuplicateSequence
			}
			report.fatal(code, 0, "sequence_number", "expected %d, got %d for event %s", expected, ev.SequenceNumber, ev.EventID)
		}
		expected = ev.SequenceNumber + 1
		if ev.EventType == contracts.EventLogDrop {
			dropCount++
		}
	}
	report.TotalDrops = dropCount

	// Steps 5-7: payload hash, chain linkage, envelope hash. The
	// verifier NEVER trusts a stored event_hash when checking the next
	// event's prev_event_hash — it always compares against its own
	// recomputation (spec §4.5 step 6: "the defense against a cleverly
	// re-hashed tamper").
	recomputedHashes := make([]string, len(envelopes))
	prevHash := canonicalize.ZeroDigest
	for i, ev := range envelopes {
		payloadHash, err := canonicalize.PayloadHash(ev.Payload)
		if err != nil {
			report.fatal(contracts.CodeSchemaViolation, 0, "payload", "event %s: payload does not canonicalize: %v", ev.EventID, err)
		} else if payloadHash != ev.PayloadHash {
			report.fatal(contracts.CodeHashMismatch, 0, "payload_hash", "event %s: payload_hash mismatch: stored %s, recomputed %s", ev.EventID, ev.PayloadHash, payloadHash)
		}

		if ev.PrevEventHash != prevHash {
			report.fatal(contracts.CodeChainBroken, 0, "prev_event_hash", "event %s: prev_event_hash %s does not match recomputed predecessor hash %s", ev.EventID, ev.PrevEventHash, prevHash)
		}

		eventHash, err := canonicalize.EventHash(ev.Signed())
		if err != nil {
			report.fatal(contracts.CodeSchemaViolation, 0, "event_hash", "event %s: signed fields do not canonicalize: %v", ev.EventID, err)
			eventHash = ev.EventHash // fall through so the chain doesn't cascade-fail every subsequent event
		} else if eventHash != ev.EventHash {
			report.fatal(contracts.CodeHashMismatch, 0, "event_hash", "event %s: event_hash mismatch: stored %s, recomputed %s", ev.EventID, ev.EventHash, eventHash)
		}

		recomputedHashes[i] = eventHash
		prevHash = eventHash
	}
	report.RecomputedHashes = recomputedHashes
	report.EventIDs = make([]string, len(envelopes))
	for i, ev := range envelopes {
		report.EventIDs[i] = ev.EventID
	}

	// Step 8: redaction integrity, scanned over the raw decoded payload
	// tree so redaction is caught regardless of payload shape.
	for i, ev := range envelopes {
		generic := rawGeneric[i]
		payload, _ := generic["payload"]
		checkRedaction(report, ev.EventID, "payload", payload)
	}

	// Step 9: seal check.
	var seal *contracts.Envelope
	for _, ev := range envelopes {
		if ev.EventType == contracts.EventChainSeal {
			seal = ev
			break
		}
	}
	sessionEndPresent := false
	for _, ev := range envelopes {
		if ev.EventType == contracts.EventSessionEnd {
			sessionEndPresent = true
			break
		}
	}

	sealed := seal != nil
	report.Sealed = sealed
	if sealed {
		checkSeal(report, envelopes, seal, recomputedHashes)
	} else {
		report.PartialReasons = append(report.PartialReasons, "no_seal")
	}
	if !sessionEndPresent {
		report.PartialReasons = append(report.PartialReasons, "no_session_end")
	}
	if dropCount > 0 {
		report.PartialReasons = append(report.PartialReasons, "drop_events_present")
	}
	report.Complete = sealed && sessionEndPresent && dropCount == 0

	// Step 10: evidence classification (spec §3).
	report.EvidenceClass = classify(report)

	// Step 11: replay fingerprint — SHA-256 over the canonical
	// concatenation of all recomputed event hashes.
	fp, err := canonicalize.CanonicalHash(recomputedHashes)
	if err == nil {
		report.ReplayFingerprint = fp
	}

	if report.hasFatal() || report.EvidenceClass == contracts.ClassFailed {
		report.Status = StatusFail
		report.EvidenceClass = contracts.ClassFailed
	}

	return report, nil
}

// classify derives the evidence class per spec §3, independent of
// whether any fatal violation already forces FAILED — callers combine
// this with report.hasFatal() before finalizing Status.
func classify(r *Report) contracts.EvidenceClass {
	if r.hasFatal() {
		return contracts.ClassFailed
	}
	switch r.Authority {
	case contracts.AuthorityServer:
		if r.Sealed && r.Complete {
			return contracts.ClassAuthoritative
		}
		return contracts.ClassPartialAuthoritative
	case contracts.AuthoritySDK:
		return contracts.ClassNonAuthoritative
	default:
		return contracts.ClassFailed
	}
}

// checkSeal implements spec §4.5 step 9: ingestion_service_id,
// seal_timestamp, and session_digest must be present, well-formed, and
// session_digest must equal the verifier-recomputed hash of the last
// pre-seal event.
func checkSeal(report *Report, envelopes []*contracts.Envelope, seal *contracts.Envelope, recomputedHashes []string) {
	payload, ok := seal.Payload.(map[string]interface{})
	if !ok {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload", "CHAIN_SEAL payload is not an object")
		return
	}

	serviceID, _ := payload["ingestion_service_id"].(string)
	sealTS, _ := payload["seal_timestamp"].(string)
	digest, _ := payload["session_digest"].(string)

	if serviceID == "" {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload.ingestion_service_id", "missing ingestion_service_id")
	}
	if sealTS == "" {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload.seal_timestamp", "missing seal_timestamp")
	} else if _, err := contracts.ParseTimestampWall(sealTS); err != nil {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload.seal_timestamp", "seal_timestamp is not RFC 3339: %v", err)
	}
	if digest == "" {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload.session_digest", "missing session_digest")
		return
	}

	sealIdx := -1
	for i, ev := range envelopes {
		if ev.EventID == seal.EventID {
			sealIdx = i
			break
		}
	}
	if sealIdx <= 0 {
		report.fatal(contracts.CodeInvalidSeal, 0, "", "CHAIN_SEAL has no preceding event to digest")
		return
	}

	lastPreSealHash := recomputedHashes[sealIdx-1]
	if digest != lastPreSealHash {
		report.fatal(contracts.CodeInvalidSeal, 0, "payload.session_digest", "session_digest %s does not match recomputed hash of last pre-seal event %s", digest, lastPreSealHash)
	}
}

// checkRedaction implements spec §4.5 step 8 and §4.2's redaction
// convention, recursing through arbitrary JSON structure looking for the
// literal "[REDACTED]" marker and requiring a sibling "<name>_hash" field
// at the same object level.
func checkRedaction(report *Report, eventID, path string, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := val[k]
			if s, ok := child.(string); ok && s == contracts.RedactedMarker {
				hashKey := k + "_hash"
				hashVal, present := val[hashKey]
				if !present {
					report.fatal(contracts.CodeRedactionIntegrityViolation, 0, fmt.Sprintf("%s.%s", path, k), "event %s: redacted field has no sibling %s", eventID, hashKey)
					continue
				}
				hashStr, ok := hashVal.(string)
				if !ok || !strings.HasPrefix(hashStr, "sha256:") || len(hashStr) != len("sha256:")+64 {
					report.fatal(contracts.CodeRedactionIntegrityViolation, 0, fmt.Sprintf("%s.%s", path, hashKey), "event %s: %s is not a well-formed sha256 digest", eventID, hashKey)
				} else {
					report.HasRedactedFields = true
				}
				continue
			}
			checkRedaction(report, eventID, fmt.Sprintf("%s.%s", path, k), child)
		}
	case []interface{}:
		for i, child := range val {
			checkRedaction(report, eventID, fmt.Sprintf("%s[%d]", path, i), child)
		}
	}
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ExitCode maps a report to the stable exit code contract of spec §6.
func ExitCode(report *Report) int {
	if report == nil {
		return 3
	}
	if report.Status == StatusPass {
		return 0
	}
	if report.EvidenceClass == contracts.ClassFailed {
		return 2
	}
	return 1
}
