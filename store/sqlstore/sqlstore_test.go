package sqlstore

import (
	"testing"

	"github.com/dpup/wxauth/store"
	"github.com/stretchr/testify/assert"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		model any
		want  string
	}{
		{store.Config{}, "wx_configs"},
		{&store.StateToken{}, "wx_state_tokens"},
		{store.UserToken{}, "wx_user_tokens"},
		{store.AuthCode{}, "wx_auth_codes"},
		{store.AccessToken{}, "wx_access_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, TableName("wx_", tt.model))
		})
	}
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c > $2 LIMIT $3",
		Rebind("SELECT a FROM t WHERE b = ? AND c > ? LIMIT ?"))
	assert.Equal(t, "DELETE FROM t", Rebind("DELETE FROM t"))
}
