package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// packsFile is the on-disk shape of one YAML pack bundle. A bundle may
// declare domain packs, tenant policies, or both.
type packsFile struct {
	DomainPacks    []DomainPack       `yaml:"domain_packs"`
	TenantPolicies []TenantPolicyPack `yaml:"tenant_policies"`
}

// Config is the loaded platform configuration.
type Config struct {
	Registry *PackRegistry

	// TenantPolicyDefaults are filled into every tenant policy that
	// leaves a section unset (notification channels, retention).
	TenantPolicyDefaults TenantPolicyPack
}

// Initialize loads every pack bundle under <configDir>/packs and returns
// ready-to-use configuration. Unknown YAML fields are rejected.
func Initialize(configDir string) (*Config, error) {
	cfg := &Config{
		Registry: NewPackRegistry(),
		TenantPolicyDefaults: TenantPolicyPack{
			Retention: &RetentionPolicy{DataTTLDays: 90},
		},
	}

	packsDir := filepath.Join(configDir, "packs")
	entries, err := os.ReadDir(packsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("No packs directory found, starting with empty registry", "dir", packsDir)
			return cfg, nil
		}
		return nil, NewLoadError(packsDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(packsDir, name)
		if err := cfg.loadPacksFile(path); err != nil {
			return nil, err
		}
	}

	stats := cfg.Registry.Stats()
	slog.Info("Configuration initialized",
		"domain_packs", stats.DomainPacks,
		"tenant_policies", stats.TenantPolicies)
	return cfg, nil
}

func (c *Config) loadPacksFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewLoadError(path, err)
	}

	var file packsFile
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	for i := range file.DomainPacks {
		pack := file.DomainPacks[i]
		if err := c.Registry.RegisterDomainPack(&pack); err != nil {
			return NewLoadError(path, err)
		}
	}

	for i := range file.TenantPolicies {
		policy := file.TenantPolicies[i]
		// Fill unset sections from platform defaults.
		if err := mergo.Merge(&policy, c.TenantPolicyDefaults); err != nil {
			return NewLoadError(path, err)
		}
		if err := c.Registry.RegisterTenantPolicy(&policy); err != nil {
			return NewLoadError(path, err)
		}
	}

	slog.Debug("Loaded pack bundle", "file", path)
	return nil
}
