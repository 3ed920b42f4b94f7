package config

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// EnvPrefix is the prefix of environment variables that map onto config keys.
const EnvPrefix = "WX__"

// Search walks up from startDir looking for filename and returns its path, or
// "" when it isn't found before the filesystem root.
func Search(filename string, startDir string) string {
	d, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(d, filename)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		up := filepath.Dir(d)
		if up == d {
			return ""
		}
		d = up
	}
}

// TransformEnv converts WX__BRIDGE__CALLBACK_URL to bridge.callbackUrl style
// keys: the prefix is dropped, double underscores become dots and single
// underscores camel case the following word.
func TransformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(s, "__")
	for i, segment := range segments {
		parts := strings.Split(segment, "_")
		for j := 1; j < len(parts); j++ {
			parts[j] = capitalize(parts[j])
		}
		segments[i] = strings.Join(parts, "")
	}
	return strings.Join(segments, ".")
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
