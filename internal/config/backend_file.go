package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const appName = "insightline"

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appName + "-data"
	}
	return filepath.Join(home, ".local", "share", appName)
}

// FilePath returns the config file location: $INSIGHTLINE_CONFIG when set,
// otherwise $XDG_CONFIG_HOME/insightline/config.yaml.
func FilePath() string {
	if p := os.Getenv("INSIGHTLINE_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", appName+".yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// yamlBackend keeps "section.name" keys as one YAML mapping per section:
//
//	queue:
//	  batch_size: 20
//	alerts:
//	  timezone: America/Sao_Paulo
type yamlBackend struct {
	path     string
	sections map[string]map[string]any
}

func newFileBackend(path string) *yamlBackend {
	b := &yamlBackend{path: path, sections: make(map[string]map[string]any)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := yaml.Unmarshal(data, &b.sections); err != nil {
			slog.Warn("config file is not valid YAML, using defaults", "path", path, "error", err)
			b.sections = make(map[string]map[string]any)
		}
	}
	return b
}

func splitKey(key string) (section, name string) {
	section, name, _ = strings.Cut(key, ".")
	return section, name
}

func (b *yamlBackend) get(key string) (any, bool) {
	section, name := splitKey(key)
	v, ok := b.sections[section][name]
	return v, ok && v != nil
}

func (b *yamlBackend) set(key string, v any) error {
	section, name := splitKey(key)
	if b.sections[section] == nil {
		b.sections[section] = make(map[string]any)
	}
	b.sections[section][name] = v
	return b.flush()
}

func (b *yamlBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.sections)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: want an integer, got %v", key, v)
	}
}

func (b *yamlBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *yamlBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *yamlBackend) Delete(key string) error {
	section, name := splitKey(key)
	delete(b.sections[section], name)
	if len(b.sections[section]) == 0 {
		delete(b.sections, section)
	}
	return b.flush()
}
