package canonicalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// Golden vectors gate every change to canonical output bytes (spec §4.1,
// §9: "any change to output bytes for any vector is a specification
// break"). Do not adjust the expected strings without a deliberate,
// documented spec revision.
func TestJCS_GoldenVectors(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{
			name: "unsorted_keys",
			in:   map[string]interface{}{"c": 3, "a": 1, "b": 2},
			want: `{"a":1,"b":2,"c":3}`,
		},
		{
			name: "nested_sorting",
			in: map[string]interface{}{
				"z": map[string]interface{}{"y": "foo", "x": "bar"},
				"a": 1,
			},
			want: `{"a":1,"z":{"x":"bar","y":"foo"}}`,
		},
		{
			name: "no_html_escaping",
			in:   map[string]string{"html": "<script>alert('xss')</script> &"},
			want: `{"html":"<script>alert('xss')</script> &"}`,
		},
		{
			name: "array_order_preserved",
			in:   map[string]interface{}{"items": []interface{}{3, 1, 2}},
			want: `{"items":[3,1,2]}`,
		},
		{
			name: "integer_without_fraction",
			in:   map[string]interface{}{"n": 42},
			want: `{"n":42}`,
		},
		{
			name: "booleans_and_null",
			in:   map[string]interface{}{"t": true, "f": false, "n": nil},
			want: `{"f":false,"n":null,"t":true}`,
		},
		{
			// Non-integer doubles round-trip through the shortest decimal
			// representation (ECMA-262 7.1.12.1), not Go's default %v
			// formatting.
			name: "non_integer_number",
			in:   map[string]interface{}{"pi": 3.25},
			want: `{"pi":3.25}`,
		},
		{
			name: "unicode_key_sorted_by_utf16_unit",
			// Both keys are in the Basic Multilingual Plane, so code-unit
			// order and codepoint order agree here; this still exercises the
			// non-ASCII sorting path end to end (the jcs library backs the
			// full UTF-16 comparison, including surrogate pairs, which a
			// byte-order sort.Strings implementation would get wrong for
			// keys containing codepoints above U+FFFF).
			in:   map[string]interface{}{"éclair": 1, "apple": 2},
			want: "{\"apple\":2,\"éclair\":1}",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := JCS(tc.in)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
			require.Equal(t, tc.want, string(got), "byte-exact canonical form must match golden vector")
		})
	}
}

func TestCanonicalHash_SemanticEquivalence(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestEqual_ModuloKeyOrderAndNumberForm(t *testing.T) {
	a := json.RawMessage(`{"x":1,"y":2}`)
	b := json.RawMessage(`{"y":2,"x":1}`)

	var av, bv interface{}
	require.NoError(t, json.Unmarshal(a, &av))
	require.NoError(t, json.Unmarshal(b, &bv))

	eq, err := Equal(av, bv)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestPayloadHash_EventHash_AreDistinctNamespaces(t *testing.T) {
	payload := map[string]interface{}{"tool": "grep", "args": []interface{}{"-n", "foo"}}
	ph, err := PayloadHash(payload)
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, ph)

	signed := map[string]interface{}{"payload_hash": ph, "sequence_number": 0}
	eh, err := EventHash(signed)
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, eh)
	require.NotEqual(t, ph, eh)
}

func TestZeroDigest_Shape(t *testing.T) {
	require.Regexp(t, `^sha256:0{64}$`, ZeroDigest)
}

func TestJCS_RejectsNaNAndInfinity(t *testing.T) {
	// encoding/json itself rejects NaN/Inf float64 values at the pre-marshal
	// step (spec §4.1: "reject NaN and infinities").
	_, err := JCS(map[string]float64{"x": math.NaN()})
	require.Error(t, err)

	_, err = JCS(map[string]float64{"x": math.Inf(1)})
	require.Error(t, err)
}
