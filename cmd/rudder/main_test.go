package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubServer replaces the long-running serve path for dispatcher tests.
func stubServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	prev := startServer
	startServer = func(io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = prev })
	return &calls
}

func TestRun_DefaultsToServe(t *testing.T) {
	calls := stubServer(t)
	var out, errOut bytes.Buffer

	code := Run([]string{"rudder"}, &out, &errOut)

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)
}

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer

	code := Run([]string{"rudder", "version"}, &out, &errOut)

	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", out.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer

	code := Run([]string{"rudder", "bogus"}, &out, &errOut)

	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer

	code := Run([]string{"rudder", "help"}, &out, &errOut)

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "fingerprint")
}

func TestFingerprint_ValidEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envelope.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"api_version": "1",
		"type": "pipeline",
		"type_version": "1.0.0",
		"operation": "apply",
		"idempotency_key": "key-1",
		"payload": {"tasks": [{"backend": "echo", "action": "noop"}]}
	}`), 0o600))

	var out, errOut bytes.Buffer
	code := Run([]string{"rudder", "fingerprint", path}, &out, &errOut)

	assert.Equal(t, 0, code, errOut.String())
	assert.True(t, strings.HasPrefix(out.String(), "sha256:"), out.String())
}

func TestFingerprint_IsPayloadKeyOrderInsensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(a, []byte(`{
		"api_version": "1", "type": "pipeline", "type_version": "1.0.0",
		"operation": "apply", "idempotency_key": "key-1",
		"payload": {"x": 1, "y": 2}
	}`), 0o600))
	require.NoError(t, os.WriteFile(b, []byte(`{
		"api_version": "1", "type": "pipeline", "type_version": "1.0.0",
		"operation": "apply", "idempotency_key": "key-1",
		"payload": {"y": 2, "x": 1}
	}`), 0o600))

	var outA, outB, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"rudder", "fingerprint", a}, &outA, &errOut))
	require.Equal(t, 0, Run([]string{"rudder", "fingerprint", b}, &outB, &errOut))

	assert.Equal(t, outA.String(), outB.String())
}

func TestFingerprint_InvalidEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envelope.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "pipeline"}`), 0o600))

	var out, errOut bytes.Buffer
	code := Run([]string{"rudder", "fingerprint", path}, &out, &errOut)

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "invalid envelope")
}

func TestFingerprint_MissingFile(t *testing.T) {
	var out, errOut bytes.Buffer

	code := Run([]string{"rudder", "fingerprint", filepath.Join(t.TempDir(), "nope.json")}, &out, &errOut)

	assert.Equal(t, 1, code)
}
