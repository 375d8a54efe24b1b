package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/inferd/internal/client"
	"github.com/loykin/inferd/internal/logger"
	"github.com/loykin/inferd/internal/manager"
	"github.com/loykin/inferd/internal/process"
)

// FileConfig represents the top-level TOML structure:
//
//	env = ["CUDA_VISIBLE_DEVICES=0"]
//	env_files = ["/etc/inferd/server.env"]
//	use_os_env = true
//
//	[server]
//	name = "comfy"
//	install_dir = "/opt/ComfyUI"
//	port = 8188
//
//	[manager.health]
//	startup_timeout = "60s"
//
//	[client]
//	retries = 3
//
//	[log]
//	level = "info"
//	[log.file]
//	dir = "/var/log/inferd"
//
//	[history]
//	dsn = "sqlite:///var/lib/inferd/history.db"
//
//	[api]
//	listen = "127.0.0.1:8989"
type FileConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server  process.Spec   `toml:"server" mapstructure:"server"`
	Manager manager.Config `toml:"manager" mapstructure:"manager"`
	Client  client.Config  `toml:"client" mapstructure:"client"`
	Log     logger.Config  `toml:"log" mapstructure:"log"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	API     APIConfig      `toml:"api" mapstructure:"api"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type APIConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Load parses a TOML config file. The server spec inherits the top-level log
// settings and the merged environment.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}

	if fc.Server.InstallDir == "" {
		return nil, fmt.Errorf("config %s: server.install_dir is required", path)
	}
	if fc.Server.Port <= 0 || fc.Server.Port > 65535 {
		return nil, fmt.Errorf("config %s: server.port must be in 1..65535", path)
	}

	env, err := mergedEnv(&fc)
	if err != nil {
		return nil, err
	}
	fc.Server.Env = append(fc.Server.Env, env...)
	if fc.Server.Log.File.Dir == "" && fc.Server.Log.File.StdoutPath == "" {
		fc.Server.Log = fc.Log
	}
	return &fc, nil
}

// mergedEnv builds the child environment. Precedence: OS env (when enabled)
// is the base, env_files apply next, the top-level env list overrides last.
func mergedEnv(fc *FileConfig) ([]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
