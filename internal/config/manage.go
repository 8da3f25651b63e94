package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are listed with a masked value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			v = mask(v)
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  v,
		})
	}
	return result
}

func mask(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "********"
}

// SetKey writes a config key to the config file, or a secret to the
// secrets file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()}, key, value)
}

func setKey(b ConfigBackend, secrets fileSecrets, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return secrets.Set(key, value)
		}
		switch s.typ {
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		default:
			if _, err := s.parse(value); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			return b.SetString(key, value)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
