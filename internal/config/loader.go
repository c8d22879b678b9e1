package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the repository configuration file.
	FileName = ".stackrun.yaml"

	userConfigDirName  = ".config"
	userConfigFileName = "config.yaml"
)

// LoadOptions selects configuration layers.
type LoadOptions struct {
	// Path replaces the repository file; it must exist when set.
	Path string
	// SkipUser ignores ~/.config/stackrun/config.yaml.
	SkipUser bool
	// Overrides are applied last, keyed like the YAML file.
	Overrides map[string]any
}

// Load resolves configuration from user defaults, the repository file and
// overrides, then normalizes it.
func Load(repoRoot string, opts LoadOptions, warn func(string)) (Config, error) {
	merged := map[string]any{}
	var err error

	if !opts.SkipUser {
		userPath, pathErr := userConfigPath()
		if pathErr != nil {
			return Config{}, pathErr
		}
		merged, err = mergeConfigLayer(merged, userPath, "user defaults", false)
		if err != nil {
			return Config{}, err
		}
	}

	switch {
	case opts.Path != "":
		merged, err = mergeConfigLayer(merged, opts.Path, "explicit", true)
	case repoRoot != "":
		merged, err = mergeConfigLayer(merged, filepath.Join(repoRoot, FileName), "repo", false)
	}
	if err != nil {
		return Config{}, err
	}

	if opts.Overrides != nil {
		merged = mergeConfigMaps(merged, opts.Overrides)
	}

	cfg, err := decodeConfig(merged)
	if err != nil {
		return Config{}, err
	}
	return ApplyDefaults(cfg, warn), nil
}

// Write renders cfg as YAML at path.
func Write(path string, cfg Config) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

func userConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, "stackrun", userConfigFileName), nil
}

// mergeConfigLayer reads a config file and merges it into the base map.
func mergeConfigLayer(base map[string]any, path string, label string, required bool) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

// readConfigFile parses a YAML mapping from path. An empty file is an empty layer.
func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layer map[string]any
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, err
	}
	if layer == nil {
		return map[string]any{}, nil
	}
	return layer, nil
}

// mergeConfigMaps overlays override onto base and returns a merged map.
func mergeConfigMaps(base map[string]any, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

// cloneConfigMap copies a map recursively to prevent aliasing.
func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig decodes the merged layers over Defaults so absent keys keep
// their default values.
func decodeConfig(raw map[string]any) (Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
