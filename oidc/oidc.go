package oidckit

import (
	"errors"
	"strings"
	"time"
)

// Discord defaults. Every value can be overridden through Config.
const (
	DiscordAuthURL        = "https://discord.com/oauth2/authorize"
	DiscordTokenURL       = "https://discord.com/api/oauth2/token"
	DiscordProfileURL     = "https://discord.com/api/users/@me"
	DiscordAvatarTemplate = "https://cdn.discordapp.com/avatars/{id}/{avatar}.png"
)

var (
	// ErrUpstreamExchange marks a failed code-for-token exchange.
	ErrUpstreamExchange = errors.New("upstream code exchange failed")
	// ErrUpstreamProfile marks a failed or unusable profile fetch.
	ErrUpstreamProfile = errors.New("upstream profile fetch failed")
)

// Config describes a plain OAuth2 upstream provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	// AvatarTemplate expands {id} and {avatar}. Empty disables pictures.
	AvatarTemplate string
	Scopes         []string
	Fields         FieldMapping
	// Timeout bounds every upstream HTTP call.
	Timeout time.Duration
}

// DiscordConfig returns a Config with Discord's endpoints and scopes.
func DiscordConfig(clientID, clientSecret string) Config {
	return Config{
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		AuthURL:        DiscordAuthURL,
		TokenURL:       DiscordTokenURL,
		ProfileURL:     DiscordProfileURL,
		AvatarTemplate: DiscordAvatarTemplate,
		Scopes:         []string{"identify", "email"},
		Fields:         DiscordFields(),
		Timeout:        10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = DiscordAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DiscordTokenURL
	}
	if c.ProfileURL == "" {
		c.ProfileURL = DiscordProfileURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"identify", "email"}
	}
	c.Fields = c.Fields.withDefaults()
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("oidckit: client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return errors.New("oidckit: client secret is required")
	}
	return nil
}
