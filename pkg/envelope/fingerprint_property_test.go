//go:build property
// +build property

package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// buildPayload renders the same key/value pairs as JSON twice, once in
// the given order and once reversed.
func buildPayload(keys, values []string) (string, string, bool) {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	seen := make(map[string]bool, n)
	fields := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if keys[i] == "" || seen[keys[i]] {
			continue
		}
		seen[keys[i]] = true
		k, _ := json.Marshal(keys[i])
		v, _ := json.Marshal(values[i])
		fields = append(fields, fmt.Sprintf("%s: %s", k, v))
	}
	if len(fields) == 0 {
		return "", "", false
	}
	reversed := make([]string, len(fields))
	for i, f := range fields {
		reversed[len(fields)-1-i] = f
	}
	return "{" + strings.Join(fields, ", ") + "}",
		"{" + strings.Join(reversed, ", ") + "}",
		true
}

// TestFingerprintStability checks that the fingerprint ignores key order
// and is deterministic for arbitrary flat payloads.
func TestFingerprintStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is invariant under key reordering", prop.ForAll(
		func(keys []string, values []string) bool {
			forward, backward, ok := buildPayload(keys, values)
			if !ok {
				return true
			}
			fa, err1 := Fingerprint(envWithPayload(forward))
			fb, err2 := Fingerprint(envWithPayload(backward))
			if err1 != nil || err2 != nil {
				return false
			}
			return fa == fb
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			forward, _, ok := buildPayload(keys, values)
			if !ok {
				return true
			}
			env := envWithPayload(forward)
			fa, err1 := Fingerprint(env)
			fb, err2 := Fingerprint(env)
			if err1 != nil || err2 != nil {
				return false
			}
			return fa == fb
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
