// Copyright 2025 BranchFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the filesystem core configuration, loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Case sensitivity modes.
const (
	CaseSensitive             = "sensitive"
	CaseInsensitivePreserving = "insensitive-preserving"
)

// Backstore modes.
const (
	BackstoreMemory = "memory"
	BackstoreHostFs = "hostfs"
	BackstoreSqlite = "sqlite"
)

// FsConfig is the top-level configuration for a filesystem core instance.
type FsConfig struct {
	CaseSensitivity string         `yaml:"case_sensitivity"` // sensitive | insensitive-preserving
	Security        SecurityPolicy `yaml:"security"`
	Overlay         OverlayConfig  `yaml:"overlay"`
	Backstore       BackstoreConfig `yaml:"backstore"`
	Limits          FsLimits       `yaml:"limits"`
	Memory          MemoryPolicy   `yaml:"memory"`
	TrackEvents     bool           `yaml:"track_events"`
}

// SecurityPolicy controls POSIX permission enforcement.
type SecurityPolicy struct {
	EnforcePosixPermissions bool   `yaml:"enforce_posix_permissions"`
	RootBypassPermissions   *bool  `yaml:"root_bypass_permissions"` // default: true (pointer to detect missing)
	DefaultUID              uint32 `yaml:"default_uid"`
	DefaultGID              uint32 `yaml:"default_gid"`
}

// RootBypass returns whether uid 0 bypasses permission checks (defaults to true).
func (p *SecurityPolicy) RootBypass() bool {
	if p.RootBypassPermissions == nil {
		return true
	}
	return *p.RootBypassPermissions
}

// OverlayConfig configures the read-only lower filesystem layer.
type OverlayConfig struct {
	Enabled   bool     `yaml:"enabled"`
	LowerRoot string   `yaml:"lower_root"`
	Exclude   []string `yaml:"exclude"` // gitignore-style patterns
}

// BackstoreConfig selects and configures the content storage backend.
type BackstoreConfig struct {
	Mode                  string `yaml:"mode"` // memory | hostfs | sqlite
	Root                  string `yaml:"root"` // hostfs root dir or sqlite file path
	PreferNativeSnapshots bool   `yaml:"prefer_native_snapshots"`
}

// FsLimits caps table sizes.
type FsLimits struct {
	MaxOpenHandles uint32 `yaml:"max_open_handles"`
	MaxBranches    uint32 `yaml:"max_branches"`
	MaxSnapshots   uint32 `yaml:"max_snapshots"`
}

// MemoryPolicy caps in-memory content storage.
type MemoryPolicy struct {
	MaxBytesInMemory uint64 `yaml:"max_bytes_in_memory"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *FsConfig) ApplyDefaults() {
	if cfg.CaseSensitivity == "" {
		cfg.CaseSensitivity = CaseSensitive
	}
	if cfg.Security.RootBypassPermissions == nil {
		t := true
		cfg.Security.RootBypassPermissions = &t
	}
	if cfg.Backstore.Mode == "" {
		cfg.Backstore.Mode = BackstoreMemory
	}
	if cfg.Limits.MaxOpenHandles == 0 {
		cfg.Limits.MaxOpenHandles = 65536
	}
	if cfg.Limits.MaxBranches == 0 {
		cfg.Limits.MaxBranches = 256
	}
	if cfg.Limits.MaxSnapshots == 0 {
		cfg.Limits.MaxSnapshots = 4096
	}
	if cfg.Memory.MaxBytesInMemory == 0 {
		cfg.Memory.MaxBytesInMemory = 16 << 30
	}
}

// Validate checks enum fields and mode/root consistency.
func (cfg *FsConfig) Validate() error {
	switch cfg.CaseSensitivity {
	case CaseSensitive, CaseInsensitivePreserving:
	default:
		return fmt.Errorf("invalid case_sensitivity %q", cfg.CaseSensitivity)
	}
	switch cfg.Backstore.Mode {
	case BackstoreMemory:
	case BackstoreHostFs, BackstoreSqlite:
		if cfg.Backstore.Root == "" {
			return fmt.Errorf("backstore.mode %q requires backstore.root", cfg.Backstore.Mode)
		}
	default:
		return fmt.Errorf("invalid backstore.mode %q", cfg.Backstore.Mode)
	}
	if cfg.Overlay.Enabled && strings.TrimSpace(cfg.Overlay.LowerRoot) == "" {
		return fmt.Errorf("overlay.enabled requires overlay.lower_root")
	}
	return nil
}

// Default returns a configuration with all defaults applied.
func Default() *FsConfig {
	var cfg FsConfig
	cfg.ApplyDefaults()
	return &cfg
}

// Load reads a config file. A missing file yields the defaults.
func Load(path string) (*FsConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg FsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
