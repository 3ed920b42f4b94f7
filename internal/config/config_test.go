package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetRegistry(t *testing.T, infos ...KeyInfo) {
	t.Helper()
	registryMu.Lock()
	saved := registry
	registry = make(map[string]KeyInfo)
	registryMu.Unlock()
	Register(infos...)
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})
}

func TestTransformEnv(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WX__SERVER__PORT", "server.port"},
		{"WX__BRIDGE__CALLBACK_URL", "bridge.callbackUrl"},
		{"WX__ACCOUNTS__MAIN__APP_SECRET", "accounts.main.appSecret"},
		{"WX__STORE__CLEANUP_BATCH_SIZE", "store.cleanupBatchSize"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformEnv(tt.in))
		})
	}
}

func TestSimilar(t *testing.T) {
	resetRegistry(t,
		KeyInfo{Key: "wechat.timeout"},
		KeyInfo{Key: "wechat.apiBaseUrl"},
		KeyInfo{Key: "bridge.callbackUrl"},
		KeyInfo{Key: "server.port"},
	)

	assert.Equal(t, []string{"wechat.timeout"}, Similar("wechat.timout", 3))
	assert.Contains(t, Similar("bridge.calbackUrl", 3), "bridge.callbackUrl")
	assert.Empty(t, Similar("completely.unrelated.key", 3))
}

func TestValidate(t *testing.T) {
	resetRegistry(t,
		KeyInfo{Key: "server.port", Default: 8000},
		KeyInfo{Key: "accounts", Namespace: true},
	)
	RegisterDeprecated("server.listen", "server.port")

	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]interface{}{
		"server.port":             9000,
		"server.prot":             1,
		"server.listen":           ":80",
		"accounts.main.appId":     "wx123",
		"accounts.main.appSecret": "secret",
	}, "."), nil))

	warnings := Validate(k)
	byKey := map[string]Warning{}
	for _, w := range warnings {
		byKey[w.Key] = w
	}
	assert.Len(t, warnings, 2)
	assert.Contains(t, byKey["server.prot"].Suggestions, "server.port")
	assert.Equal(t, []string{"server.port"}, byKey["server.listen"].Suggestions)
	assert.Contains(t, byKey["server.prot"].String(), "Did you mean")
}

func TestApplyDefaults(t *testing.T) {
	resetRegistry(t,
		KeyInfo{Key: "server.port", Default: 8000},
		KeyInfo{Key: "server.host", Default: "localhost"},
	)

	k := koanf.New(".")
	require.NoError(t, k.Set("server.port", 9000))
	ApplyDefaults(k)

	assert.Equal(t, 9000, k.Int("server.port"))
	assert.Equal(t, "localhost", k.String("server.host"))
}

func TestSearch(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "wxauth.yaml"), []byte("name: test\n"), 0o600))

	assert.Equal(t, filepath.Join(root, "wxauth.yaml"), Search("wxauth.yaml", nested))
	assert.Equal(t, "", Search("missing-file.yaml", nested))
}
