package inferd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestManagerFacade(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer func() { _ = m.Shutdown() }()

	if got := m.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	if m.BaseURL() != "" {
		t.Fatal("base URL should be empty while stopped")
	}
	if err := m.Stop(time.Second); err != nil {
		t.Fatalf("Stop on stopped manager: %v", err)
	}

	dir := t.TempDir()
	if err := m.Validate(dir, ""); err == nil {
		t.Fatal("expected validation error for empty dir")
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("#\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(dir, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestManagerHistoryDSN(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer func() { _ = m.Shutdown() }()

	if err := m.SetHistoryDSN("sqlite://:memory:"); err != nil {
		t.Fatalf("SetHistoryDSN: %v", err)
	}
	if err := m.SetHistoryDSN("bogus://nope"); err == nil {
		t.Fatal("expected error for unsupported DSN")
	}
}

func TestLoadConfigFacade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inferd.toml")
	body := `
[server]
install_dir = "/opt/ComfyUI"
port = 8188
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Server.Port != 8188 {
		t.Fatalf("port = %d", c.Server.Port)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	// second registration is a no-op
	if err := RegisterMetrics(r); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}
