package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tracelock/core/pkg/contracts"
	"github.com/tracelock/core/pkg/ingestion"
	"github.com/tracelock/core/pkg/merkle"
	"github.com/tracelock/core/pkg/policygate"
	"github.com/tracelock/core/pkg/store"
	"github.com/tracelock/core/pkg/verifier"
)

// Server wires the ingestion authority and the verifier to the two
// illustrative endpoints spec.md §6 describes:
//
//	POST /v1/sessions/{id}/events  — append_batch
//	GET  /v1/sessions/{id}/verify  — run the verifier over stored bytes
//
// Grounded on the teacher's pkg/api handler/middleware composition style
// (net/http + ServeMux, no third-party router — the teacher's own core/
// module never imports one either).
type Server struct {
	authority *ingestion.Authority
	store     store.Store
	policy    policygate.Policy
	logger    *slog.Logger

	keyFunc        jwt.Keyfunc
	rateLimitRPS   int
	rateLimitBurst int

	mux *http.ServeMux
}

// Options configures a Server.
type Options struct {
	Authority      *ingestion.Authority
	Store          store.Store
	Policy         policygate.Policy
	KeyFunc        jwt.Keyfunc // nil disables bearer auth (e.g. local dev)
	RateLimitRPS   int
	RateLimitBurst int
}

// NewServer builds the HTTP handler tree. Options not needed again at
// Handler() time (rate limits, bearer key func) are captured here so
// callers only assemble Options once.
func NewServer(opts Options) *Server {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}

	s := &Server{
		authority:      opts.Authority,
		store:          opts.Store,
		policy:         opts.Policy,
		logger:         slog.Default().With("component", "httpapi"),
		keyFunc:        opts.KeyFunc,
		rateLimitRPS:   opts.RateLimitRPS,
		rateLimitBurst: opts.RateLimitBurst,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions/{id}/events", s.handleAppendBatch)
	mux.HandleFunc("GET /v1/sessions/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/sessions/{id}/proof", s.handleProof)
	s.mux = mux

	return s
}

// Handler returns the composed http.Handler: rate limiting, then
// (optionally) bearer auth, then routing. Uses the settings captured at
// NewServer time.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.keyFunc != nil {
		h = bearerAuth(s.keyFunc)(h)
	}
	rl := newRateLimiter(s.rateLimitRPS, s.rateLimitBurst)
	return requestIDMiddleware(rl.middleware(h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type appendBatchRequest struct {
	Events []json.RawMessage `json:"events"`
	Seal   bool              `json:"seal"`
}

type appendBatchResponse struct {
	Accepted     bool                 `json:"accepted"`
	LastSequence int64                `json:"last_sequence"`
	Sealed       bool                 `json:"sealed"`
	ErrorCode    contracts.Code       `json:"error_code,omitempty"`
	DropEvent    *contracts.Envelope  `json:"drop_event,omitempty"`
}

// handleAppendBatch maps spec.md §6's append_batch operation onto
// POST /v1/sessions/{id}/events. Failure codes map to HTTP status per
// the table in spec.md §6.
func (s *Server) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeBadRequest(w, r, string(contracts.CodeSchemaViolation), "session id is required in the path")
		return
	}

	var body appendBatchRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeBadRequest(w, r, string(contracts.CodeSchemaViolation), "request body is not valid JSON")
		return
	}

	result, err := s.authority.AppendBatch(r.Context(), sessionID, body.Events, body.Seal)
	if err != nil {
		s.writeAppendError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(appendBatchResponse{
		Accepted:     result.Accepted,
		LastSequence: result.LastSequence,
		Sealed:       result.Sealed,
	})
}

func (s *Server) writeAppendError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *contracts.RejectedBatchError
	if errors.As(err, &rejected) {
		detail := rejected.Error()
		switch rejected.Code {
		case contracts.CodeSessionSealed:
			writeConflict(w, r, string(rejected.Code), detail)
		case contracts.CodeStoreUnavailable:
			writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", string(rejected.Code), detail)
		case contracts.CodeAuthorityLeak, contracts.CodeSchemaViolation, contracts.CodeUnknownEventType, contracts.CodeUnknownSchemaVersion, contracts.CodeMissingSessionEnd:
			writeBadRequest(w, r, string(rejected.Code), detail)
		case contracts.CodeSequenceViolation, contracts.CodeDuplicateSequence, contracts.CodeMixedAuthority:
			writeUnprocessable(w, r, string(rejected.Code), detail)
		default:
			writeUnprocessable(w, r, string(rejected.Code), detail)
		}
		return
	}
	if errors.Is(err, store.ErrLockTimeout) {
		writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", string(contracts.CodeStoreUnavailable), "session lock acquisition timed out, retry")
		return
	}
	writeInternal(w, r, err)
}

// handleVerify reads the session's committed events back from the store
// and runs the offline verifier over them — the same code path the CLI
// uses, just fed from the store instead of a file.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeBadRequest(w, r, "", "session id is required in the path")
		return
	}

	report, ok := s.verifySession(w, r, sessionID)
	if !ok {
		return
	}
	gated := policygate.Evaluate(report, s.policy)

	w.Header().Set("Content-Type", "application/json")
	if gated.Status == verifier.StatusFail {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Report *verifier.Report `json:"report"`
		Gated  policygate.Result `json:"policy_result"`
	}{Report: report, Gated: gated})
}

// handleProof answers SPEC_FULL.md's auditor requirement to prove a single
// event belongs to a verified session: it re-runs the verifier (never
// trusting the store's stated event_hash directly) and builds a Merkle
// inclusion proof over the verifier's own recomputed hash chain for the
// event named by the ?event_id= query parameter.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeBadRequest(w, r, "", "session id is required in the path")
		return
	}
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		writeBadRequest(w, r, "", "event_id query parameter is required")
		return
	}

	report, ok := s.verifySession(w, r, sessionID)
	if !ok {
		return
	}

	proof, err := merkle.ProveByEventID(report.EventIDs, report.RecomputedHashes, eventID)
	if err != nil {
		writeNotFound(w, r, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(proof)
}

// verifySession reads a session's committed events back from the store and
// runs the offline verifier over them, writing an error response and
// returning ok=false if that isn't possible. Shared by handleVerify and
// handleProof so both build the proof/report from the same recomputed,
// zero-trust hash chain.
func (s *Server) verifySession(w http.ResponseWriter, r *http.Request, sessionID string) (report *verifier.Report, ok bool) {
	events, err := s.store.ReadAll(r.Context(), sessionID)
	if err != nil {
		writeInternal(w, r, err)
		return nil, false
	}
	if len(events) == 0 {
		writeNotFound(w, r, "no events recorded for this session")
		return nil, false
	}

	var buf bytes.Buffer
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			writeInternal(w, r, err)
			return nil, false
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	report, err = verifier.Verify(&buf)
	if err != nil {
		writeInternal(w, r, err)
		return nil, false
	}
	return report, true
}

