package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-rails/oidcbridge/core"
	oidckit "github.com/open-rails/oidcbridge/oidc"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OIDC_ISSUER_URL", "https://auth.example.com/")
	t.Setenv("CLIENT_ID", "client-1")
	t.Setenv("CLIENT_SECRET", "shh")
	t.Setenv("PRIVATE_KEY_SECRET", "bridge/signing-key")
	t.Setenv("IDENTITY_STORE", "memory")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com", c.Issuer)
	require.Equal(t, "client-1", c.Audience)
	require.Equal(t, ":8080", c.ListenAddr)
	require.Equal(t, "1", c.KeyID)
	require.Equal(t, "discord", c.ProviderName)
	require.Equal(t, []string{"identify", "email"}, c.UpstreamScopes)
	require.Equal(t, 10*time.Second, c.UpstreamTimeout)
	require.Equal(t, 5*time.Second, c.StoreTimeout)
	require.Equal(t, core.ReconcileRequired, c.ReconcilePolicy)
	require.True(t, c.MigrateOnStart)
	require.False(t, c.Debug)

	up := c.Upstream()
	require.Equal(t, oidckit.DiscordTokenURL, up.TokenURL)
	require.Equal(t, "client-1", up.ClientID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ENABLE_LOGGING_DEBUG", "true")
	t.Setenv("OIDC_PROVIDER_NAME", "Discord")
	t.Setenv("RECONCILE_POLICY", "best_effort")
	t.Setenv("UPSTREAM_TIMEOUT", "3s")
	t.Setenv("UPSTREAM_SCOPES", "identify,email guilds")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.0.0/16")

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.True(t, c.Debug)
	require.Equal(t, "discord", c.ProviderName)
	require.Equal(t, core.ReconcileBestEffort, c.ReconcilePolicy)
	require.Equal(t, 3*time.Second, c.UpstreamTimeout)
	require.Equal(t, []string{"identify", "email", "guilds"}, c.UpstreamScopes)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, c.TrustedProxies)
}

func TestLoad_ConfigFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\nkey_id: k2\n"), 0o600))

	c, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, ":9090", c.ListenAddr)
	require.Equal(t, "k2", c.KeyID)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("IDENTITY_STORE", "postgres")
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("CLIENT_ID", "")
	t.Setenv("CLIENT_SECRET", "")
	t.Setenv("PRIVATE_KEY_SECRET", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load(viper.New(), "")
	require.Error(t, err)
	for _, name := range []string{"OIDC_ISSUER_URL", "CLIENT_ID", "CLIENT_SECRET", "PRIVATE_KEY_SECRET", "DATABASE_URL"} {
		require.ErrorContains(t, err, name)
	}
}

func TestLoad_RejectsUnknownValues(t *testing.T) {
	setRequired(t)
	t.Setenv("RECONCILE_POLICY", "sometimes")
	_, err := Load(viper.New(), "")
	require.Error(t, err)

	t.Setenv("RECONCILE_POLICY", "")
	t.Setenv("IDENTITY_STORE", "dynamo")
	_, err = Load(viper.New(), "")
	require.ErrorContains(t, err, "IDENTITY_STORE")
}
