package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dpup/wxauth"
	"github.com/dpup/wxauth/internal/config"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, overrides map[string]interface{}) {
	t.Helper()
	original := wxauth.Config
	t.Cleanup(func() { wxauth.Config = original })

	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(config.Defaults(), "."), nil))
	require.NoError(t, k.Load(confmap.Provider(map[string]interface{}{
		"logging.level":           "error",
		"store.driver":            "sqlite",
		"store.dsn":               filepath.Join(t.TempDir(), "wxauth.db"),
		"accounts.main.appId":     "wx0123456789",
		"accounts.main.appSecret": "app-secret",
	}, "."), nil))
	require.NoError(t, k.Load(confmap.Provider(overrides, "."), nil))
	wxauth.Config = k
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigSetAndList(t *testing.T) {
	withConfig(t, nil)

	out, err := run(t, "config", "set", "--account", "main", "--remark", "primary", "--default")
	require.NoError(t, err)
	assert.Contains(t, out, "for account main")

	out, err = run(t, "config", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ACCOUNT")
	assert.Contains(t, lines[1], "main")
	assert.Contains(t, lines[1], "snsapi_userinfo")
	assert.Contains(t, lines[1], "primary")

	// Updating keeps fields that weren't passed.
	_, err = run(t, "config", "set", "--account", "main", "--scope", "snsapi_base", "--enabled=false")
	require.NoError(t, err)
	out, err = run(t, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "snsapi_base")
	assert.Contains(t, out, "false")
	assert.Contains(t, out, "primary")
}

func TestConfigSetUnknownAccount(t *testing.T) {
	withConfig(t, nil)

	_, err := run(t, "config", "set", "--account", "other")
	assert.Error(t, err)

	_, err = run(t, "config", "set")
	assert.ErrorContains(t, err, "account")
}

func TestConfigDelete(t *testing.T) {
	withConfig(t, nil)

	_, err := run(t, "config", "set", "--account", "main")
	require.NoError(t, err)
	out, err := run(t, "config", "list")
	require.NoError(t, err)
	id := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])[0]

	out, err = run(t, "config", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted config "+id)

	_, err = run(t, "config", "delete", id)
	assert.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	withConfig(t, map[string]interface{}{"bridge.stateTtl": "0s", "bridge.stateTTL": "5m"})

	out, err := run(t, "config", "check")
	assert.ErrorIs(t, err, wxauth.ErrInvalidConfig)
	assert.Contains(t, out, "warning: 'bridge.stateTTL' is not a known config key")
	assert.Contains(t, out, "bridge.stateTtl: must be positive")
}

func TestCleanup(t *testing.T) {
	withConfig(t, nil)

	out, err := run(t, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "states=0 codes=0 tokens=0 user_tokens=0\n", out)
}

func TestRefreshUnknownOpenID(t *testing.T) {
	withConfig(t, nil)

	_, err := run(t, "refresh", "o-unknown")
	assert.ErrorIs(t, err, errRefreshFailed)

	_, err = run(t, "refresh")
	assert.Error(t, err)
}

func TestConfigFileFlag(t *testing.T) {
	withConfig(t, nil)

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "check")
	assert.ErrorContains(t, err, "missing.yaml")
}

func TestValidateUnknownOpenID(t *testing.T) {
	withConfig(t, nil)

	out, err := run(t, "validate", "o-unknown")
	require.NoError(t, err)
	assert.Equal(t, "invalid\n", out)
}
