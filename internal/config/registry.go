// Package config holds the registry of known configuration keys, the
// validation that warns about unknown or misspelled keys, and helpers for
// locating config files and mapping environment variables onto keys.
package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// KeyInfo contains metadata about a known configuration key.
type KeyInfo struct {
	Key         string      // Full key path, e.g. "wechat.timeout"
	Description string      // Human-readable description
	Type        string      // Type hint: "string", "int", "bool", "duration", ...
	Default     interface{} // Optional default value
	Namespace   bool        // Any key nested below Key is accepted
	Deprecated  bool
	ReplacedBy  string
}

var (
	registry   = make(map[string]KeyInfo)
	registryMu sync.RWMutex
)

// Register records known configuration keys.
func Register(infos ...KeyInfo) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, info := range infos {
		registry[info.Key] = info
	}
}

// RegisterDeprecated records a key that has been renamed.
func RegisterDeprecated(oldKey, newKey string) {
	Register(KeyInfo{Key: oldKey, Deprecated: true, ReplacedBy: newKey})
}

// Lookup returns metadata for a registered key.
func Lookup(key string) (KeyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := registry[key]
	return info, ok
}

// Keys returns all registered keys sorted alphabetically.
func Keys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults returns the registered keys that declare a default value.
func Defaults() map[string]interface{} {
	registryMu.RLock()
	defer registryMu.RUnlock()

	defaults := make(map[string]interface{})
	for key, info := range registry {
		if info.Default != nil {
			defaults[key] = info.Default
		}
	}
	return defaults
}

// InNamespace reports whether key sits below a key registered as a namespace.
func InNamespace(key string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if info, ok := registry[strings.Join(parts[:i], ".")]; ok && info.Namespace {
			return true
		}
	}
	return false
}

// Similar finds up to max registered keys within a small edit distance of key,
// most similar first. Keys sharing the same parent get a one point bonus.
func Similar(key string, max int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type scored struct {
		key   string
		score int
	}

	var candidates []scored
	prefix := parent(key)
	for k := range registry {
		d := levenshtein.ComputeDistance(key, k)
		if d > 0 && prefix != "" && prefix == parent(k) {
			d--
		}
		if d <= 3 && k != key {
			candidates = append(candidates, scored{k, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})

	out := make([]string, 0, max)
	for i := 0; i < len(candidates) && i < max; i++ {
		out = append(out, candidates[i].key)
	}
	return out
}

func parent(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i]
	}
	return ""
}
