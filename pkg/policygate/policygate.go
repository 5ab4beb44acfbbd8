// Package policygate implements the pure accept/reject function spec
// §4.6 describes: a fixed, enumerated set of boolean/threshold options
// applied to a verifier.Report, never touching the underlying
// classification — only the final status and exit code.
//
// Grounded on the teacher's pkg/kernel/pdp/defer.go decision-result shape
// (a pure function returning a decision plus a reason code) and
// pkg/envelope/gate.go's pattern of gating a pre-computed validation
// result rather than re-validating.
package policygate

import (
	"fmt"

	"github.com/tracelock/core/pkg/contracts"
	"github.com/tracelock/core/pkg/verifier"
)

// Policy is the enumerated, stable set of gate options from spec §4.6.
// The zero value has AllowRedacted false, so it rejects sessions with
// redacted fields; Default() returns the policy that imposes no
// additional constraints beyond the verifier's own PASS/FAIL status.
type Policy struct {
	RequireAuthoritative bool
	RejectLocalAuthority bool
	RequireSeal          bool
	AllowRedacted        bool // default-true semantics are applied by Default()
	MaxDrops             int  // applied only when MaxDropsSet; then 0 allows no drops
	MaxDropsSet          bool
}

// Default returns the policy spec §4.6's table implies when an operator
// configures nothing explicitly: redaction is allowed, no authority or
// seal requirements, no drop cap.
func Default() Policy {
	return Policy{AllowRedacted: true}
}

// Result is the outcome of gating a verifier.Report through a Policy.
type Result struct {
	Status    verifier.Status
	ExitCode  int
	Violation *verifier.Violation
}

// Evaluate implements spec §4.5 step 12 / §4.6: "Policy never mutates the
// underlying classification; it only gates the final status and exit
// code." report is never modified by this function.
func Evaluate(report *verifier.Report, policy Policy) Result {
	if report.Status == verifier.StatusFail {
		return Result{Status: verifier.StatusFail, ExitCode: verifier.ExitCode(report)}
	}

	if policy.RequireAuthoritative && report.EvidenceClass != contracts.ClassAuthoritative {
		return reject(contracts.CodePolicyViolation, "policy requires evidence_class=AUTHORITATIVE, got %s", report.EvidenceClass)
	}

	if policy.RejectLocalAuthority && report.Authority == contracts.AuthoritySDK {
		return reject(contracts.CodePolicyViolation, "policy rejects sdk-authority sessions")
	}

	if policy.RequireSeal && !report.Sealed {
		return reject(contracts.CodePolicyViolation, "policy requires a sealed session")
	}

	if !policy.AllowRedacted && report.HasRedactedFields {
		return reject(contracts.CodePolicyViolation, "policy disallows redacted payloads")
	}

	if policy.MaxDropsSet && report.TotalDrops > policy.MaxDrops {
		return reject(contracts.CodePolicyViolation, "total_drops %d exceeds policy max_drops %d", report.TotalDrops, policy.MaxDrops)
	}

	return Result{Status: verifier.StatusPass, ExitCode: 0}
}

func reject(code contracts.Code, format string, args ...interface{}) Result {
	v := verifier.Violation{Code: code, Message: fmt.Sprintf(format, args...)}
	return Result{Status: verifier.StatusFail, ExitCode: 2, Violation: &v}
}
