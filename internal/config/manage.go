package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(FilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
