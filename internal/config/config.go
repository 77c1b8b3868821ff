// Package config loads server settings from ~/.mterm/mterm.yaml and
// watches the file for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mterm/mterm/internal/logger"
)

// Config is the full server configuration. Zero values fall back to the
// defaults applied in Load.
type Config struct {
	Listen string `yaml:"listen,omitempty"` // e.g. ":8443"

	TLS struct {
		Cert string `yaml:"cert,omitempty"`
		Key  string `yaml:"key,omitempty"`
	} `yaml:"tls,omitempty"`

	DB string `yaml:"db,omitempty"` // sqlite path

	Log struct {
		Level string `yaml:"level,omitempty"`
		File  string `yaml:"file,omitempty"`
	} `yaml:"log,omitempty"`

	DefaultShell    string `yaml:"default_shell,omitempty"`
	ScrollbackBytes int    `yaml:"scrollback_bytes,omitempty"`
	QueueCap        int    `yaml:"queue_cap,omitempty"` // per-viewer output queue

	AuthDisabled bool `yaml:"auth_disabled,omitempty"` // dev only

	HostBinary string `yaml:"host_binary,omitempty"` // override mterm-host path
}

// Dir returns the mterm config/data directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mterm"
	}
	return filepath.Join(home, ".mterm")
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "mterm.yaml")
}

// Load reads path (missing file is fine) and applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8443"
	}
	if cfg.DB == "" {
		cfg.DB = filepath.Join(Dir(), "mterm.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "default"
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = 256 * 1024
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 500
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Watch re-loads path on modification, debounced, and calls onChange with
// the fresh config. Stops when stop is closed. Editors replace files
// rather than writing in place, so the parent directory is watched.
func Watch(path string, onChange func(*Config), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher", "err", err)
			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed", "err", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()
	return nil
}
