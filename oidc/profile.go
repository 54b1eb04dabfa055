package oidckit

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// FieldMapping names the profile JSON fields that carry each claim. Values
// are gjson paths, so nested fields ("data.user.id") work.
type FieldMapping struct {
	Subject  string
	Email    string
	Name     string
	Avatar   string
	Verified string
}

// DiscordFields maps Discord's /users/@me payload.
func DiscordFields() FieldMapping {
	return FieldMapping{
		Subject:  "id",
		Email:    "email",
		Name:     "username",
		Avatar:   "avatar",
		Verified: "verified",
	}
}

func (m FieldMapping) withDefaults() FieldMapping {
	d := DiscordFields()
	if m.Subject == "" {
		m.Subject = d.Subject
	}
	if m.Email == "" {
		m.Email = d.Email
	}
	if m.Name == "" {
		m.Name = d.Name
	}
	if m.Avatar == "" {
		m.Avatar = d.Avatar
	}
	if m.Verified == "" {
		m.Verified = d.Verified
	}
	return m
}

// Profile is the upstream subject's profile.
type Profile struct {
	Subject  string
	Email    string
	Name     string
	Avatar   string
	Verified bool
	// Picture is derived from Avatar; empty when there is no avatar.
	Picture string
	Raw     json.RawMessage
}

func (m FieldMapping) parse(body []byte) (*Profile, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("profile body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, errors.New("profile body is not an object")
	}
	p := &Profile{
		Subject:  str(root.Get(m.Subject)),
		Email:    str(root.Get(m.Email)),
		Name:     str(root.Get(m.Name)),
		Avatar:   str(root.Get(m.Avatar)),
		Verified: root.Get(m.Verified).Bool(),
		Raw:      json.RawMessage(append([]byte(nil), body...)),
	}
	if p.Subject == "" {
		return nil, errors.New("profile has no subject")
	}
	return p, nil
}

// str returns a trimmed string for scalar results; null and missing are "".
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(r.String())
	default:
		return ""
	}
}
