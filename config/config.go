// Package config loads bridge settings from defaults, an optional config file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/open-rails/oidcbridge/core"
	oidckit "github.com/open-rails/oidcbridge/oidc"
	"github.com/spf13/viper"
)

// Identity store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config is the resolved bridge configuration.
type Config struct {
	ListenAddr string
	Issuer     string
	// Audience of minted ID tokens. Defaults to ClientID.
	Audience string
	Debug    bool

	ClientID     string
	ClientSecret string
	ProviderName string

	UpstreamAuthURL        string
	UpstreamTokenURL       string
	UpstreamProfileURL     string
	UpstreamAvatarTemplate string
	UpstreamScopes         []string
	UpstreamTimeout        time.Duration

	KeyID            string
	PrivateKeySecret string
	JWKSJSON         string
	SecretBackend    string
	SecretDir        string
	AWSRegion        string
	KeyFetchTimeout  time.Duration

	IdentityStore   string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	StoreTimeout    time.Duration
	MigrateOnStart  bool
	ReconcilePolicy core.ReconcilePolicy

	TrustedProxies []string
}

// env maps config keys to the environment variables that set them.
var env = map[string]string{
	"listen_addr":              "LISTEN_ADDR",
	"issuer":                   "OIDC_ISSUER_URL",
	"audience":                 "OIDC_AUDIENCE",
	"debug":                    "ENABLE_LOGGING_DEBUG",
	"client_id":                "CLIENT_ID",
	"client_secret":            "CLIENT_SECRET",
	"provider_name":            "OIDC_PROVIDER_NAME",
	"upstream_auth_url":        "UPSTREAM_AUTH_URL",
	"upstream_token_url":       "UPSTREAM_TOKEN_URL",
	"upstream_profile_url":     "UPSTREAM_PROFILE_URL",
	"upstream_avatar_template": "UPSTREAM_AVATAR_TEMPLATE",
	"upstream_scopes":          "UPSTREAM_SCOPES",
	"upstream_timeout":         "UPSTREAM_TIMEOUT",
	"key_id":                   "KEY_ID",
	"private_key_secret":       "PRIVATE_KEY_SECRET",
	"jwks_json":                "JWKS_JSON",
	"secret_backend":           "SECRET_BACKEND",
	"secret_dir":               "SECRET_DIR",
	"aws_region":               "AWS_REGION",
	"key_fetch_timeout":        "KEY_FETCH_TIMEOUT",
	"identity_store":           "IDENTITY_STORE",
	"database_url":             "DATABASE_URL",
	"redis_addr":               "REDIS_ADDR",
	"redis_password":           "REDIS_PASSWORD",
	"store_timeout":            "STORE_TIMEOUT",
	"migrate_on_start":         "MIGRATE_ON_START",
	"reconcile_policy":         "RECONCILE_POLICY",
	"trusted_proxies":          "TRUSTED_PROXIES",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("provider_name", "discord")
	v.SetDefault("upstream_auth_url", oidckit.DiscordAuthURL)
	v.SetDefault("upstream_token_url", oidckit.DiscordTokenURL)
	v.SetDefault("upstream_profile_url", oidckit.DiscordProfileURL)
	v.SetDefault("upstream_avatar_template", oidckit.DiscordAvatarTemplate)
	v.SetDefault("upstream_scopes", "identify email")
	v.SetDefault("upstream_timeout", 10*time.Second)
	v.SetDefault("key_id", "1")
	v.SetDefault("secret_backend", "aws")
	v.SetDefault("key_fetch_timeout", 5*time.Second)
	v.SetDefault("identity_store", StorePostgres)
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("migrate_on_start", true)
	v.SetDefault("reconcile_policy", string(core.ReconcileRequired))
}

// Load reads configuration. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	policy, err := core.ParseReconcilePolicy(v.GetString("reconcile_policy"))
	if err != nil {
		return nil, err
	}

	c := &Config{
		ListenAddr:             strings.TrimSpace(v.GetString("listen_addr")),
		Issuer:                 strings.TrimRight(strings.TrimSpace(v.GetString("issuer")), "/"),
		Audience:               strings.TrimSpace(v.GetString("audience")),
		Debug:                  v.GetBool("debug"),
		ClientID:               strings.TrimSpace(v.GetString("client_id")),
		ClientSecret:           strings.TrimSpace(v.GetString("client_secret")),
		ProviderName:           strings.ToLower(strings.TrimSpace(v.GetString("provider_name"))),
		UpstreamAuthURL:        strings.TrimSpace(v.GetString("upstream_auth_url")),
		UpstreamTokenURL:       strings.TrimSpace(v.GetString("upstream_token_url")),
		UpstreamProfileURL:     strings.TrimSpace(v.GetString("upstream_profile_url")),
		UpstreamAvatarTemplate: strings.TrimSpace(v.GetString("upstream_avatar_template")),
		UpstreamScopes:         strings.Fields(strings.ReplaceAll(v.GetString("upstream_scopes"), ",", " ")),
		UpstreamTimeout:        v.GetDuration("upstream_timeout"),
		KeyID:                  strings.TrimSpace(v.GetString("key_id")),
		PrivateKeySecret:       strings.TrimSpace(v.GetString("private_key_secret")),
		JWKSJSON:               strings.TrimSpace(v.GetString("jwks_json")),
		SecretBackend:          strings.ToLower(strings.TrimSpace(v.GetString("secret_backend"))),
		SecretDir:              strings.TrimSpace(v.GetString("secret_dir")),
		AWSRegion:              strings.TrimSpace(v.GetString("aws_region")),
		KeyFetchTimeout:        v.GetDuration("key_fetch_timeout"),
		IdentityStore:          strings.ToLower(strings.TrimSpace(v.GetString("identity_store"))),
		DatabaseURL:            strings.TrimSpace(v.GetString("database_url")),
		RedisAddr:              strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:          v.GetString("redis_password"),
		StoreTimeout:           v.GetDuration("store_timeout"),
		MigrateOnStart:         v.GetBool("migrate_on_start"),
		ReconcilePolicy:        policy,
		TrustedProxies:         splitCSV(v.GetString("trusted_proxies")),
	}
	if c.Audience == "" {
		c.Audience = c.ClientID
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	req := func(val, name string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	req(c.Issuer, "OIDC_ISSUER_URL")
	req(c.ClientID, "CLIENT_ID")
	req(c.ClientSecret, "CLIENT_SECRET")
	req(c.KeyID, "KEY_ID")
	req(c.PrivateKeySecret, "PRIVATE_KEY_SECRET")
	if c.Issuer != "" && !strings.HasPrefix(c.Issuer, "https://") && !strings.HasPrefix(c.Issuer, "http://") {
		errs = append(errs, fmt.Errorf("OIDC_ISSUER_URL must be an http(s) URL"))
	}
	switch c.IdentityStore {
	case StorePostgres:
		req(c.DatabaseURL, "DATABASE_URL")
	case StoreRedis:
		req(c.RedisAddr, "REDIS_ADDR")
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_STORE %q", c.IdentityStore))
	}
	if c.SecretBackend == "file" {
		req(c.SecretDir, "SECRET_DIR")
	}
	for name, d := range map[string]time.Duration{
		"UPSTREAM_TIMEOUT":  c.UpstreamTimeout,
		"KEY_FETCH_TIMEOUT": c.KeyFetchTimeout,
		"STORE_TIMEOUT":     c.StoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Upstream returns the upstream provider settings.
func (c *Config) Upstream() oidckit.Config {
	up := oidckit.DiscordConfig(c.ClientID, c.ClientSecret)
	up.AuthURL = c.UpstreamAuthURL
	up.TokenURL = c.UpstreamTokenURL
	up.ProfileURL = c.UpstreamProfileURL
	up.AvatarTemplate = c.UpstreamAvatarTemplate
	up.Scopes = c.UpstreamScopes
	up.Timeout = c.UpstreamTimeout
	return up
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
