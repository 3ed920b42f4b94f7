package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
)

// Warning describes an unknown, misspelled or deprecated key.
type Warning struct {
	Key         string
	Suggestions []string
}

func (w Warning) String() string {
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
	case 1:
		msg += fmt.Sprintf(". Did you mean '%s'?", w.Suggestions[0])
	default:
		msg += ". Did you mean one of: " + strings.Join(w.Suggestions, ", ") + "?"
	}
	return msg
}

// Validate compares every loaded key against the registry.
func Validate(k *koanf.Koanf) []Warning {
	var warnings []Warning
	for _, key := range k.Keys() {
		if info, ok := Lookup(key); ok {
			if info.Deprecated {
				warnings = append(warnings, Warning{Key: key, Suggestions: []string{info.ReplacedBy}})
			}
			continue
		}
		if InNamespace(key) {
			continue
		}
		warnings = append(warnings, Warning{Key: key, Suggestions: Similar(key, 3)})
	}
	return warnings
}

// ApplyDefaults sets registered defaults for keys that have not been loaded.
func ApplyDefaults(k *koanf.Koanf) {
	for key, val := range Defaults() {
		if !k.Exists(key) {
			_ = k.Set(key, val)
		}
	}
}
