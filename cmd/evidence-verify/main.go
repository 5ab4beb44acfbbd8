// Command evidence-verify is the offline, zero-trust verifier CLI spec §6
// calls for: a pure function over a file (or stdin) of line-delimited
// envelopes, with no network or database dependency. Grounded on the
// teacher's cmd/helm/verify_cmd.go flag/exit-code dispatch pattern
// (flag.NewFlagSet, --json, a testable Run(args, stdout, stderr) int
// entrypoint with os.Exit only in main()).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tracelock/core/pkg/merkle"
	"github.com/tracelock/core/pkg/policygate"
	"github.com/tracelock/core/pkg/verifier"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Exit codes follow spec §6:
//
//	0 = PASS
//	1 = FAIL with an evidence_class other than FAILED (verifier.ExitCode);
//	    verifier.Verify marks every failing report FAILED, so its
//	    reports do not produce this code
//	2 = FAIL: the verifier found a fatal violation (structural or
//	    integrity, evidence_class FAILED), or the policy gate rejected a
//	    report the verifier passed
//	3 = usage/runtime error, including input that could not be read
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runVerifyCmd(nil, stdout, stderr)
	}
	return runVerifyCmd(args[1:], stdout, stderr)
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evidence-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inputPath           string
		jsonOutput          bool
		requireAuthoritative bool
		rejectLocalAuthority bool
		requireSeal          bool
		disallowRedacted     bool
		maxDrops             int
		maxDropsSet          bool
		merkleProofEventID   string
	)

	cmd.StringVar(&inputPath, "in", "", "Path to line-delimited event export (default: stdin)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full verifier report as JSON")
	cmd.StringVar(&merkleProofEventID, "merkle-proof", "", "Print a Merkle inclusion proof for the given event_id, grounded on this run's recomputed hashes, instead of a verification report")
	cmd.BoolVar(&requireAuthoritative, "require-authoritative", false, "Reject unless evidence_class=AUTHORITATIVE")
	cmd.BoolVar(&rejectLocalAuthority, "reject-local-authority", false, "Reject sessions chained by the client-side SDK authority")
	cmd.BoolVar(&requireSeal, "require-seal", false, "Reject unsealed sessions")
	cmd.BoolVar(&disallowRedacted, "disallow-redacted", false, "Reject sessions containing redacted fields")
	cmd.Func("max-drops", "Reject sessions with more than N forensic LOG_DROP events", func(s string) error {
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return err
		}
		maxDrops = n
		maxDropsSet = true
		return nil
	})

	if err := cmd.Parse(args); err != nil {
		return 3
	}

	var in io.Reader = os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot open %s: %v\n", inputPath, err)
			return 3
		}
		defer f.Close()
		in = f
	}

	report, err := verifier.Verify(in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification run failed: %v\n", err)
		return 3
	}

	if merkleProofEventID != "" {
		return runMerkleProof(report, merkleProofEventID, stdout, stderr)
	}

	policy := policygate.Default()
	policy.RequireAuthoritative = requireAuthoritative
	policy.RejectLocalAuthority = rejectLocalAuthority
	policy.RequireSeal = requireSeal
	policy.AllowRedacted = !disallowRedacted
	if maxDropsSet {
		policy.MaxDrops = maxDrops
		policy.MaxDropsSet = true
	}

	gated := policygate.Evaluate(report, policy)

	if jsonOutput {
		out := struct {
			Report       *verifier.Report  `json:"report"`
			PolicyResult policygate.Result `json:"policy_result"`
		}{Report: report, PolicyResult: gated}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printHuman(stdout, report, gated)
	}

	return gated.ExitCode
}

// runMerkleProof builds an inclusion proof over this run's own recomputed
// hashes (never the stored, untrusted event_hash field — same zero-trust
// discipline as the chain-linkage recomputation in pkg/verifier) and prints
// it as JSON. An auditor uses this to prove a single event_id belongs to
// the session this verifier run just validated, without re-fetching or
// re-trusting the whole log.
func runMerkleProof(report *verifier.Report, eventID string, stdout, stderr io.Writer) int {
	proof, err := merkle.ProveByEventID(report.EventIDs, report.RecomputedHashes, eventID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	data, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func printHuman(stdout io.Writer, report *verifier.Report, gated policygate.Result) {
	if gated.Status == verifier.StatusPass {
		_, _ = fmt.Fprintf(stdout, "PASS  session=%s class=%s sealed=%v events=%d drops=%d\n",
			report.SessionID, report.EvidenceClass, report.Sealed, report.EventCount, report.TotalDrops)
		_, _ = fmt.Fprintf(stdout, "replay_fingerprint=%s\n", report.ReplayFingerprint)
		return
	}

	_, _ = fmt.Fprintf(stdout, "FAIL  session=%s class=%s sealed=%v events=%d drops=%d\n",
		report.SessionID, report.EvidenceClass, report.Sealed, report.EventCount, report.TotalDrops)
	for _, v := range report.Violations {
		_, _ = fmt.Fprintf(stdout, "  - [%s] line=%d field=%s: %s\n", v.Code, v.Line, v.Field, v.Message)
	}
	if gated.Violation != nil {
		_, _ = fmt.Fprintf(stdout, "  - [%s] policy: %s\n", gated.Violation.Code, gated.Violation.Message)
	}
}
