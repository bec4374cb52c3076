package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint computes the canonical content fingerprint of an envelope:
// the RFC 8785 (JCS) serialization of {api_version, type, type_version,
// operation, target, payload}, hashed with SHA-256 and rendered as
// "sha256:<hex>". String values, including object keys, are normalized to
// Unicode NFC first, so two envelopes that differ only in key order or
// codepoint composition fingerprint identically. Absent optional fields
// are omitted rather than serialized as null.
func Fingerprint(e *Envelope) (string, error) {
	subset := map[string]any{
		"api_version":  norm.NFC.String(e.APIVersion),
		"type":         norm.NFC.String(e.Type),
		"type_version": norm.NFC.String(e.TypeVersion),
		"operation":    norm.NFC.String(string(e.Operation)),
	}

	if len(e.Target) > 0 && string(e.Target) != "null" {
		target, err := decodeNormalized(e.Target)
		if err != nil {
			return "", fmt.Errorf("fingerprint target: %w", err)
		}
		subset["target"] = target
	}

	payload, err := decodeNormalized(e.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	subset["payload"] = payload

	raw, err := json.Marshal(subset)
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// decodeNormalized decodes raw JSON preserving number fidelity and
// NFC-normalizes every string in the value tree.
func decodeNormalized(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeStrings(v), nil
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
