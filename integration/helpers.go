//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// binaryPath returns the path to the built CLI binary, building it if needed
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../runway",
		"./runway",
		filepath.Join(os.Getenv("GOPATH"), "bin", "runway"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../runway", "../cmd/runway")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../runway")
	return abs
}

// writeTestConfig writes a config pointing at a temp database and returns
// its path
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runway.db")
	configPath := filepath.Join(dir, "config.toml")

	content := fmt.Sprintf(`[general]
database_path = %q

[tools]
manifest_dir = %q

[web]
port = 18484
`, dbPath, filepath.Join(dir, "tools"))

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

// runCLI executes the binary with the given args and returns combined output
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--config", configPath}, args...)
	cmd := exec.Command(binaryPath(t), full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
