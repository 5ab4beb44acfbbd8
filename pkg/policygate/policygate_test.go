package policygate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelock/core/pkg/contracts"
	"github.com/tracelock/core/pkg/policygate"
	"github.com/tracelock/core/pkg/verifier"
)

func passingReport() *verifier.Report {
	return &verifier.Report{
		Status:        verifier.StatusPass,
		EvidenceClass: contracts.ClassNonAuthoritative,
		Authority:     contracts.AuthoritySDK,
		Sealed:        false,
	}
}

// TestEvaluate_RejectLocalAuthority covers spec §8 scenario 7: a
// structurally valid NON_AUTHORITATIVE session gated with
// reject_local_authority=true.
func TestEvaluate_RejectLocalAuthority(t *testing.T) {
	report := passingReport()
	policy := policygate.Default()
	policy.RejectLocalAuthority = true

	result := policygate.Evaluate(report, policy)
	require.Equal(t, verifier.StatusFail, result.Status)
	require.Equal(t, 2, result.ExitCode)
	require.NotNil(t, result.Violation)
	require.Equal(t, contracts.CodePolicyViolation, result.Violation.Code)
}

func TestEvaluate_PassthroughOnFailedReport(t *testing.T) {
	report := &verifier.Report{Status: verifier.StatusFail, EvidenceClass: contracts.ClassFailed}
	result := policygate.Evaluate(report, policygate.Default())
	require.Equal(t, verifier.StatusFail, result.Status)
	require.Equal(t, 2, result.ExitCode)
}

func TestEvaluate_RequireAuthoritative(t *testing.T) {
	report := passingReport()
	report.EvidenceClass = contracts.ClassPartialAuthoritative
	policy := policygate.Default()
	policy.RequireAuthoritative = true

	result := policygate.Evaluate(report, policy)
	require.Equal(t, verifier.StatusFail, result.Status)
}

func TestEvaluate_RequireSeal(t *testing.T) {
	report := passingReport()
	report.Sealed = false
	policy := policygate.Default()
	policy.RequireSeal = true

	result := policygate.Evaluate(report, policy)
	require.Equal(t, verifier.StatusFail, result.Status)
}

func TestEvaluate_DisallowRedacted(t *testing.T) {
	report := passingReport()
	report.HasRedactedFields = true
	policy := policygate.Policy{AllowRedacted: false}

	result := policygate.Evaluate(report, policy)
	require.Equal(t, verifier.StatusFail, result.Status)
}

func TestEvaluate_MaxDrops(t *testing.T) {
	report := passingReport()
	report.TotalDrops = 5
	policy := policygate.Default()
	policy.MaxDrops = 2
	policy.MaxDropsSet = true

	result := policygate.Evaluate(report, policy)
	require.Equal(t, verifier.StatusFail, result.Status)
}

func TestEvaluate_AllPass(t *testing.T) {
	report := passingReport()
	report.EvidenceClass = contracts.ClassAuthoritative
	report.Authority = contracts.AuthorityServer
	report.Sealed = true

	result := policygate.Evaluate(report, policygate.Default())
	require.Equal(t, verifier.StatusPass, result.Status)
	require.Equal(t, 0, result.ExitCode)
	require.Nil(t, result.Violation)
}

// TestEvaluate_NeverMutatesReport asserts the pure-function contract:
// Evaluate must not mutate the classification it was handed.
func TestEvaluate_NeverMutatesReport(t *testing.T) {
	report := passingReport()
	before := *report
	policy := policygate.Default()
	policy.RejectLocalAuthority = true

	_ = policygate.Evaluate(report, policy)
	require.Equal(t, before, *report)
}
