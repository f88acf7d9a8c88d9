// Package credentials adapts the platform's credential store for tool
// server environments. Values arrive here already decrypted; nothing in
// this package persists or logs them.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Static is a fixed in-memory credential set, keyed owner then key.
// Used in tests and single-user deployments.
type Static map[string]map[string]string

// Lookup implements toolbridge.CredentialSource
func (s Static) Lookup(_ context.Context, ownerID, key string) (string, error) {
	if values, ok := s[ownerID]; ok {
		if v, ok := values[key]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no credential %q for owner %s", key, ownerID)
}

// FileSource reads per-owner credentials from a TOML file of the form
//
//	[owner-id]
//	API_TOKEN = "..."
//
// The file is re-read on every lookup so rotated credentials take effect
// without a restart.
type FileSource struct {
	Path string
}

// Lookup implements toolbridge.CredentialSource
func (f *FileSource) Lookup(_ context.Context, ownerID, key string) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	var owners map[string]map[string]string
	if err := toml.Unmarshal(data, &owners); err != nil {
		return "", fmt.Errorf("parsing credential file: %w", err)
	}
	if v, ok := owners[ownerID][key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no credential %q for owner %s", key, ownerID)
}

// EnvSource resolves credentials from process environment variables named
// RUNWAY_CRED_<OWNER>_<KEY>, with the owner id upper-cased and dashes
// mapped to underscores. A fallback for development setups.
type EnvSource struct{}

// Lookup implements toolbridge.CredentialSource
func (EnvSource) Lookup(_ context.Context, ownerID, key string) (string, error) {
	owner := strings.ToUpper(strings.ReplaceAll(ownerID, "-", "_"))
	name := "RUNWAY_CRED_" + owner + "_" + key
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", fmt.Errorf("no credential %q for owner %s", key, ownerID)
}
