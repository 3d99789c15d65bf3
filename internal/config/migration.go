package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg to the current version. When configPath is
// set the file is backed up first; the file itself is not rewritten.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 moves the single anchors.rpc_url into anchors.rpc.endpoints
// and introduces the expiry grace period.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if cfg.Anchors.RPCURL != "" {
		found := false
		for _, e := range cfg.Anchors.RPC.Endpoints {
			if e == cfg.Anchors.RPCURL {
				found = true
			}
		}
		if !found {
			cfg.Anchors.RPC.Endpoints = append([]string{cfg.Anchors.RPCURL}, cfg.Anchors.RPC.Endpoints...)
		}
		if cfg.Anchors.Transport == "" || cfg.Anchors.Transport == "local" {
			cfg.Anchors.Transport = "rpc"
		}
		changes = append(changes, "moved anchors.rpc_url to anchors.rpc.endpoints")
		cfg.Anchors.RPCURL = ""
	}

	if cfg.Recovery.ExpiryGraceHours == 0 {
		cfg.Recovery.ExpiryGraceHours = 24
		changes = append(changes, "set recovery.expiry_grace_hours = 24")
	}

	if cfg.Commitment.Algorithm == "classical" {
		warnings = append(warnings, "commitment.algorithm is classical; new commitments are not quantum protected")
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig writes cfg to path in the format implied by its extension,
// TOML by default, with mode 0600.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
