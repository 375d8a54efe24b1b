package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/loykin/inferd/internal/logger"
)

// Well-known layout of an inference-server installation. The server is opaque
// to us; the only filesystem contract is its entry point and a models
// directory next to it.
const (
	DefaultEntryPoint = "main.py"
	ModelsDirName     = "models"
)

// Spec describes the one inference server a manager owns.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	InstallDir  string        `json:"install_dir" mapstructure:"install_dir"`
	Launcher    string        `json:"launcher" mapstructure:"launcher"`       // interpreter/executable; discovered when empty
	EntryPoint  string        `json:"entry_point" mapstructure:"entry_point"` // relative to InstallDir
	Port        int           `json:"port" mapstructure:"port"`
	BackendArgs []string      `json:"backend_args" mapstructure:"backend_args"` // device/backend flags passed through verbatim
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Env         []string      `json:"env" mapstructure:"env"`
	Detached    bool          `json:"detached" mapstructure:"detached"`
	Log         logger.Config `json:"log" mapstructure:"log"`
}

// Normalize fills defaults in place. Launcher discovery follows the common
// installation layouts: a portable bundle keeps python_embeded next to the
// install dir, a venv keeps it inside.
func (s *Spec) Normalize() {
	if s.Name == "" {
		s.Name = "inference-server"
	}
	if s.EntryPoint == "" {
		s.EntryPoint = DefaultEntryPoint
	}
	if s.WorkDir == "" {
		s.WorkDir = s.InstallDir
	}
	if s.Launcher == "" {
		s.Launcher = discoverLauncher(s.InstallDir)
	}
}

// ValidationError reports an installation path that cannot host the server.
// No process is ever spawned for an invalid path.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid installation %q: %s", e.Path, e.Reason)
}

// ValidateInstall checks that dir contains the server entry point and a
// models directory. The filesystem can change between runs, so callers
// re-validate on every start attempt.
func ValidateInstall(dir, entryPoint string) error {
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return &ValidationError{Path: dir, Reason: "path does not exist"}
	}
	if !fi.IsDir() {
		return &ValidationError{Path: dir, Reason: "path is not a directory"}
	}
	if _, err := os.Stat(filepath.Join(dir, entryPoint)); err != nil {
		return &ValidationError{Path: dir, Reason: entryPoint + " not found"}
	}
	mfi, err := os.Stat(filepath.Join(dir, ModelsDirName))
	if err != nil || !mfi.IsDir() {
		return &ValidationError{Path: dir, Reason: ModelsDirName + " directory not found"}
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd that launches the server. The
// argument contract is launcher + entry point + --port N + backend args.
func (s *Spec) BuildCommand() *exec.Cmd {
	args := make([]string, 0, 3+len(s.BackendArgs))
	args = append(args, s.EntryPoint, "--port", strconv.Itoa(s.Port))
	args = append(args, s.BackendArgs...)
	// ok: intentional execution, launcher and args come from validated config
	// #nosec G204
	cmd := exec.Command(s.Launcher, args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd, *s)
	return cmd
}

func discoverLauncher(installDir string) string {
	if installDir != "" {
		// Portable layout: <root>/python_embeded/python.exe next to <root>/<install>.
		portable := filepath.Join(filepath.Dir(installDir), "python_embeded", pythonBinary())
		if _, err := os.Stat(portable); err == nil {
			return portable
		}
		venv := filepath.Join(installDir, "venv", venvBinDir(), pythonBinary())
		if _, err := os.Stat(venv); err == nil {
			return venv
		}
	}
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func pythonBinary() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python3"
}

func venvBinDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}
