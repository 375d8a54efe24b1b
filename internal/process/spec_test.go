package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validInstall(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultEntryPoint), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, ModelsDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestValidateInstall(t *testing.T) {
	valid := validInstall(t)

	noEntry := t.TempDir()
	if err := os.Mkdir(filepath.Join(noEntry, ModelsDirName), 0o755); err != nil {
		t.Fatal(err)
	}

	noModels := t.TempDir()
	if err := os.WriteFile(filepath.Join(noModels, DefaultEntryPoint), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		dir    string
		reason string
	}{
		{"valid", valid, ""},
		{"missing path", filepath.Join(valid, "nope"), "does not exist"},
		{"not a directory", file, "not a directory"},
		{"missing entry point", noEntry, "main.py not found"},
		{"missing models dir", noModels, "models directory not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInstall(tc.dir, "")
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(verr.Reason, tc.reason) {
				t.Fatalf("reason %q does not contain %q", verr.Reason, tc.reason)
			}
		})
	}
}

func TestSpecNormalizeDefaults(t *testing.T) {
	s := Spec{InstallDir: "/opt/srv"}
	s.Normalize()
	if s.Name != "inference-server" {
		t.Fatalf("unexpected default name %q", s.Name)
	}
	if s.EntryPoint != DefaultEntryPoint {
		t.Fatalf("unexpected default entry point %q", s.EntryPoint)
	}
	if s.WorkDir != "/opt/srv" {
		t.Fatalf("work dir should default to install dir, got %q", s.WorkDir)
	}
	if s.Launcher == "" {
		t.Fatal("launcher should be discovered or defaulted")
	}
}

func TestBuildCommandArgs(t *testing.T) {
	s := Spec{
		Name:        "srv",
		InstallDir:  "/opt/srv",
		Launcher:    "python3",
		Port:        8188,
		BackendArgs: []string{"--cpu", "--disable-smart-memory"},
	}
	s.Normalize()
	cmd := s.BuildCommand()
	want := []string{"main.py", "--port", "8188", "--cpu", "--disable-smart-memory"}
	got := cmd.Args[1:]
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if cmd.Dir != "/opt/srv" {
		t.Fatalf("cmd.Dir = %q", cmd.Dir)
	}
}
