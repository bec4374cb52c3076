package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Secrets is the decoded secrets file. Backends maps a backend name to
// its secret key/value pairs; the callback master secret derives the
// per-backend callback signing keys.
type Secrets struct {
	JWTSecret            string                       `json:"jwt_secret" yaml:"jwt_secret"`
	CallbackMasterSecret string                       `json:"callback_master_secret" yaml:"callback_master_secret"`
	Backends             map[string]map[string]string `json:"backends" yaml:"backends"`
}

// backendsFile is the on-disk shape of the backends file. Each backend
// entry carries a "type" key naming the adapter plus its configuration.
type backendsFile struct {
	Backends map[string]map[string]any `json:"backends" yaml:"backends"`
}

// secretsFile wraps Secrets for both supported encodings.
type secretsFile struct {
	Secrets
}

// LoadBackends reads the backends file. A missing file is an empty
// configuration, not an error.
func LoadBackends(path string) (map[string]map[string]any, error) {
	var f backendsFile
	ok, err := loadFile(path, &f)
	if err != nil {
		return nil, err
	}
	if !ok || f.Backends == nil {
		return map[string]map[string]any{}, nil
	}
	return f.Backends, nil
}

// LoadSecrets reads the secrets file. A missing file yields empty
// secrets, not an error.
func LoadSecrets(path string) (*Secrets, error) {
	var f secretsFile
	if _, err := loadFile(path, &f); err != nil {
		return nil, err
	}
	if f.Backends == nil {
		f.Backends = map[string]map[string]string{}
	}
	s := f.Secrets
	return &s, nil
}

// loadFile decodes a JSON or YAML file by extension. Returns false when
// the file does not exist.
func loadFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return true, nil
}
