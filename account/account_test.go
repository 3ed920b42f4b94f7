package account

import (
	"context"
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLookup(t *testing.T) {
	r := NewStatic(Account{ID: "main", AppID: "wx1", AppSecret: "secret"})

	a, err := r.Lookup(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "wx1", a.AppID)

	_, err = r.Lookup(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNotFound)

	r.Put(Account{ID: "other", AppID: "wx2"})
	_, err = r.Lookup(context.Background(), "other")
	assert.NoError(t, err)
	assert.Equal(t, []string{"main", "other"}, r.IDs())
}

func TestFromConfig(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]interface{}{
		"accounts.main.appId":     "wx1",
		"accounts.main.appSecret": "secret",
		"accounts.main.name":      "Main",
		"accounts.broken.name":    "No app id",
	}, "."), nil))

	r := FromConfig(k)
	assert.Equal(t, []string{"main"}, r.IDs())

	a, err := r.Lookup(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, Account{ID: "main", AppID: "wx1", AppSecret: "secret", Name: "Main"}, *a)
}
