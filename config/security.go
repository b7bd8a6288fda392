package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dcnieho/Titta/errors"
)

const (
	maxConfigSize = 1 << 20 // 1MB max config file size
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// validateConfigPath does basic path validation
func validateConfigPath(path string) error {
	if path == "" {
		return errors.Invalidf(errors.ErrInvalidArgument, "Loader", "validateConfigPath", "empty config path")
	}
	if len(path) > maxPathLen {
		return errors.Invalidf(errors.ErrInvalidArgument, "Loader", "validateConfigPath",
			"path too long: %d > %d", len(path), maxPathLen)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return nil
	default:
		return errors.Invalidf(errors.ErrInvalidArgument, "Loader", "validateConfigPath",
			"only YAML or JSON config files allowed: %s", path)
	}
}

// safeReadFile reads a config file with security validation
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "safeReadFile", "stat config file")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Loader", "safeReadFile",
			"config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Invalidf(errors.ErrInvalidArgument, "Loader", "safeReadFile", "not a regular file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "safeReadFile", "read config file")
	}
	return data, nil
}

// safeWriteFile writes a config file owner read/write only.
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "SaveToFile",
			"config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "write config file")
	}
	return nil
}

// validateEnvVar rejects oversized values and embedded null bytes.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
