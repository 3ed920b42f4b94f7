package wxauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidateIntRange validates that a value is within the given range (inclusive).
func ValidateIntRange(value, minVal, maxVal int) error {
	if value < minVal || value > maxVal {
		return fmt.Errorf("must be between %d and %d, got: %d", minVal, maxVal, value)
	}
	return nil
}

// ValidatePort validates that a port number is valid (1-65535).
func ValidatePort(port int) error {
	return ValidateIntRange(port, 1, 65535)
}

// ValidatePositiveDuration validates that a duration is positive (> 0).
func ValidatePositiveDuration(value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("must be positive, got: %s", value)
	}
	return nil
}

// ValidateURL validates that a string is an absolute URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return errors.New("URL cannot be empty")
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" {
		return errors.New("URL must have a scheme (http:// or https://)")
	}
	if parsed.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

var storeDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true}

// ValidateConfig checks the values that would otherwise fail at the first
// request. It returns every problem found, or nil.
func ValidateConfig() []ValidationError {
	var errs []ValidationError
	check := func(key string, err error) {
		if err != nil {
			errs = append(errs, ValidationError{Key: key, Message: err.Error()})
		}
	}

	check("server.port", ValidatePort(Config.Int("server.port")))
	check("address", ValidateURL(Config.String("address")))
	if Config.String("bridge.callbackUrl") != "" {
		check("bridge.callbackUrl", ValidateURL(Config.String("bridge.callbackUrl")))
	}

	for _, key := range []string{
		"wechat.timeout",
		"bridge.stateTtl",
		"bridge.codeTtl",
		"bridge.accessTokenTtl",
		"bridge.refreshTokenTtl",
		"bridge.cleanupInterval",
		"auth.expiration",
	} {
		check(key, ValidatePositiveDuration(Config.Duration(key)))
	}

	driver := Config.String("store.driver")
	if !storeDrivers[driver] {
		check("store.driver", fmt.Errorf("must be one of memory, sqlite, postgres, got: %q", driver))
	} else if driver != "memory" && Config.String("store.dsn") == "" {
		check("store.dsn", errors.New("required for the "+driver+" driver"))
	}

	for _, prefix := range Config.Strings("bridge.allowedRedirects") {
		check("bridge.allowedRedirects", ValidateURL(prefix))
	}

	return errs
}

// FormatValidationErrors formats a slice of validation errors into a readable error message.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n")
	for _, err := range errs {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	sb.WriteString("\nFix these errors in wxauth.yaml or environment variables and try again.")
	return sb.String()
}
