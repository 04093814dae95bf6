package dataverse

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientCache(t *testing.T) {
	created := 0
	cache := NewClientCache(func(cfg Config, logger *zap.Logger) (*Client, error) {
		created++
		return NewWithHTTPClient(cfg, http.DefaultClient, logger), nil
	}, zap.NewNop())

	cfg := Config{ServerURL: "https://org.crm.dynamics.com/", ClientID: "app", ClientSecret: "s1", TenantID: "t"}

	a, err := cache.Get(cfg)
	require.NoError(t, err)
	b, err := cache.Get(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)
	assert.Equal(t, "https://org.crm.dynamics.com", a.ServerURL())

	other := cfg
	other.ClientID = "other-app"
	_, err = cache.Get(other)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	rotated := cfg
	rotated.ClientSecret = "s2"
	c, err := cache.Get(rotated)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 3, created)
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate("https://org.crm.dynamics.com", "app")
	assert.Equal(t, 1, cache.Len())
}
