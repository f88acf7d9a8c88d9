package toolbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manifest declares how to launch one tool server
type Manifest struct {
	Name           string            `yaml:"name"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	CredentialKeys []string          `yaml:"credential_keys"` // resolved through the credential store per owner
}

// Validate checks the manifest is launchable
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Command == "" {
		return fmt.Errorf("manifest %q missing command", m.Name)
	}
	return nil
}

// ManifestSet holds the known tool server manifests, reloadable at runtime
type ManifestSet struct {
	dir string

	mu        sync.RWMutex
	manifests map[string]Manifest
}

// LoadManifests reads every *.yaml manifest in dir. A missing directory is
// not an error; it just means no tool servers are configured.
func LoadManifests(dir string) (*ManifestSet, error) {
	set := &ManifestSet{dir: dir, manifests: make(map[string]Manifest)}
	if err := set.Reload(); err != nil {
		return nil, err
	}
	return set, nil
}

// Reload re-reads the manifest directory, replacing the in-memory set
func (s *ManifestSet) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := make(map[string]Manifest)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading manifest %s: %w", path, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parsing manifest %s: %w", path, err)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("manifest %s: %w", path, err)
		}
		loaded[m.Name] = m
	}

	s.mu.Lock()
	s.manifests = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the manifest for a tool server name
func (s *ManifestSet) Get(name string) (Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	return m, ok
}

// Names returns the configured tool server names
func (s *ManifestSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.manifests))
	for name := range s.manifests {
		names = append(names, name)
	}
	return names
}
