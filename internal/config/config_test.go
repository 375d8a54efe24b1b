package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inferd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
env = ["CUDA_VISIBLE_DEVICES=0"]

[server]
name = "comfy"
install_dir = "/opt/ComfyUI"
launcher = "/usr/bin/python3"
port = 8188
backend_args = ["--novram"]

[manager]
stop_grace = "15s"

[manager.health]
interval = "1s"
probe_timeout = "3s"
startup_timeout = "90s"

[client]
retries = 5
backoff = "2s"

[log]
level = "debug"
color = true

[log.file]
dir = "/var/log/inferd"
max_size_mb = 20

[history]
dsn = "sqlite:///var/lib/inferd/history.db"

[api]
listen = "127.0.0.1:8989"
`)

	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if fc.Server.Name != "comfy" || fc.Server.Port != 8188 {
		t.Fatalf("server = %+v", fc.Server)
	}
	if len(fc.Server.BackendArgs) != 1 || fc.Server.BackendArgs[0] != "--novram" {
		t.Fatalf("backend args = %v", fc.Server.BackendArgs)
	}
	if fc.Manager.StopGrace != 15*time.Second {
		t.Fatalf("stop grace = %s", fc.Manager.StopGrace)
	}
	if fc.Manager.Health.StartupTimeout != 90*time.Second || fc.Manager.Health.Interval != time.Second {
		t.Fatalf("health = %+v", fc.Manager.Health)
	}
	if fc.Client.Retries != 5 || fc.Client.Backoff != 2*time.Second {
		t.Fatalf("client = %+v", fc.Client)
	}
	if fc.Log.Level != "debug" || !fc.Log.Color || fc.Log.File.Dir != "/var/log/inferd" {
		t.Fatalf("log = %+v", fc.Log)
	}
	if fc.History.DSN != "sqlite:///var/lib/inferd/history.db" {
		t.Fatalf("history = %+v", fc.History)
	}
	if fc.API.Listen != "127.0.0.1:8989" {
		t.Fatalf("api = %+v", fc.API)
	}

	// server env inherits the top-level list
	found := false
	for _, kv := range fc.Server.Env {
		if kv == "CUDA_VISIBLE_DEVICES=0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("top-level env not merged into server env: %v", fc.Server.Env)
	}
	// server log falls back to the top-level log settings
	if fc.Server.Log.File.Dir != "/var/log/inferd" {
		t.Fatalf("server log = %+v", fc.Server.Log)
	}
}

func TestLoadRequiresInstallDir(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8188
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "install_dir") {
		t.Fatalf("expected install_dir error, got %v", err)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[server]
install_dir = "/opt/ComfyUI"
port = 70000
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "server.env")
	if err := os.WriteFile(envFile, []byte("# comment\nMODEL_DIR=/models\nSHARED=from_file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, `
env = ["SHARED=from_config"]
env_files = ["`+envFile+`"]

[server]
install_dir = "/opt/ComfyUI"
port = 8188
`)
	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := map[string]string{}
	for _, kv := range fc.Server.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			got[kv[:i]] = kv[i+1:]
		}
	}
	if got["MODEL_DIR"] != "/models" {
		t.Fatalf("env file var missing: %v", got)
	}
	if got["SHARED"] != "from_config" {
		t.Fatalf("top-level env should override env_files, got %q", got["SHARED"])
	}
}

func TestEnvFileMissing(t *testing.T) {
	path := writeConfig(t, `
env_files = ["/nonexistent/server.env"]

[server]
install_dir = "/opt/ComfyUI"
port = 8188
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
