package authhttp

// Bucket names used by the bridge endpoints.
const (
	RLAuthorize = "oidc_authorize"
	RLToken     = "oidc_token"
	RLUserInfo  = "oidc_userinfo"
	RLMetadata  = "oidc_metadata"
)
