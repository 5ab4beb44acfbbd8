package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelock/core/pkg/merkle"
)

func rawLine(eventID, sessionID string, seq uint64, eventType string, payload interface{}) string {
	env := map[string]interface{}{
		"event_id":            eventID,
		"session_id":          sessionID,
		"sequence_number":     seq,
		"timestamp_wall":      "2026-01-01T00:00:00.000Z",
		"timestamp_monotonic": 0.0,
		"event_type":          eventType,
		"schema_ver":          "v0.6",
		"payload":             payload,
		"payload_hash":        "sha256:" + strings.Repeat("0", 64),
	}
	b, _ := json.Marshal(env)
	return string(b)
}

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/events.jsonl"
	lines := []string{
		rawLine("ev-0", "sess-cli-1", 0, "SESSION_START", map[string]interface{}{"agent": "a", "framework": "go", "environment": "ci"}),
		rawLine("ev-1", "sess-cli-1", 1, "SESSION_END", map[string]interface{}{"status": "success", "duration": 1.0}),
	}
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun_MerkleProofPrintsVerifiableProof(t *testing.T) {
	path := writeFixture(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"evidence-verify", "--in", path, "--merkle-proof", "ev-0"}, &stdout, &stderr)
	require.Equal(t, 0, code)

	var proof merkle.InclusionProof
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &proof))
	require.Equal(t, 0, proof.Index)
	require.True(t, merkle.Verify(proof, proof.Root))
}

func TestRun_MerkleProofUnknownEventIDFails(t *testing.T) {
	path := writeFixture(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"evidence-verify", "--in", path, "--merkle-proof", "does-not-exist"}, &stdout, &stderr)
	require.Equal(t, 3, code)
	require.NotEmpty(t, stderr.String())
}
