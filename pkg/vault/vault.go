// Package vault resolves credentials for external endpoints.
//
// Two backends are available: the environment backend reads
// VMIGRATE_<KEY> variables, the file backend reads a YAML secrets
// file. Keys are free-form lowercase identifiers such as
// "source.password".
package vault

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("no such credential in vault: %s", e.Key)
}

func IsUnknownKeyError(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*UnknownKeyError)

	return ok
}

// Vault is a read-only credential store.
type Vault interface {
	GetCredential(key string) (string, error)
}

// New returns a vault of the given backend type ("env" or "file").
func New(backend, path string) (Vault, error) {
	switch backend {
	case "", "env":
		return &EnvVault{}, nil
	case "file":
		return NewFileVault(path)
	}

	return nil, fmt.Errorf("unknown vault backend: %s", backend)
}

// EnvVault resolves credentials from process environment variables.
// The key "source.password" maps to VMIGRATE_SOURCE_PASSWORD.
type EnvVault struct{}

func (v *EnvVault) GetCredential(key string) (string, error) {
	name := "VMIGRATE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))

	if value, ok := os.LookupEnv(name); ok {
		return value, nil
	}

	return "", &UnknownKeyError{Key: key}
}

// FileVault resolves credentials from a flat YAML mapping of
// key to value.
type FileVault struct {
	secrets map[string]string
}

func NewFileVault(path string) (*FileVault, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	if fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("vault: insecure permissions on %s: %s", path, fi.Mode().Perm())
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	secrets := make(map[string]string)

	if err := yaml.Unmarshal(b, &secrets); err != nil {
		return nil, fmt.Errorf("vault: failed to parse %s: %w", path, err)
	}

	return &FileVault{secrets: secrets}, nil
}

func (v *FileVault) GetCredential(key string) (string, error) {
	if value, ok := v.secrets[key]; ok {
		return value, nil
	}

	return "", &UnknownKeyError{Key: key}
}
