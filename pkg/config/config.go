// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime configuration for the authorization
// server. Values are loaded through viper with the AUTHRIM_ environment
// prefix and an optional YAML config file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Profile names for tenant state handling.
const (
	// ProfileHuman keeps browser sessions in the session actors.
	ProfileHuman = "human"

	// ProfileAIEphemeral never creates sessions and restricts response
	// types to "code".
	ProfileAIEphemeral = "ai-ephemeral"
)

// Config is the full server configuration.
type Config struct {
	// IssuerURL is the external URL of this authorization server. Used as
	// the "iss" claim in every signed artefact and echoed per RFC 9207.
	IssuerURL string `mapstructure:"issuer_url"`

	// Region identifies the deployment region, embedded in PAR request URIs
	// so the router can resolve them without metadata lookups.
	Region string `mapstructure:"region"`

	// ShardCount is the number of ephemeral-state shards. Runtime
	// reloadable: ids embed their shard index, so in-flight state survives
	// a change.
	ShardCount int `mapstructure:"shard_count"`

	// Generation is the PAR URI generation marker ("g{N}").
	Generation int `mapstructure:"generation"`

	Lifetimes  Lifetimes  `mapstructure:"lifetimes"`
	Features   Features   `mapstructure:"features"`
	Cookies    Cookies    `mapstructure:"cookies"`
	Fetch      Fetch      `mapstructure:"fetch"`
	RateLimits RateLimits `mapstructure:"rate_limits"`
	UI         UI         `mapstructure:"ui"`
	Redis      Redis      `mapstructure:"redis"`
	SAML       SAML       `mapstructure:"saml"`
	WebAuthn   WebAuthn   `mapstructure:"webauthn"`

	// TenantProfiles maps tenant id to its profile name. The "default"
	// tenant is always present.
	TenantProfiles map[string]string `mapstructure:"tenant_profiles"`
}

// Lifetimes groups every TTL the core depends on.
type Lifetimes struct {
	AuthorizationCode time.Duration `mapstructure:"authorization_code"`
	PARRequest        time.Duration `mapstructure:"par_request"`
	PARRequestFAPI    time.Duration `mapstructure:"par_request_fapi"`
	Challenge         time.Duration `mapstructure:"challenge"`
	Session           time.Duration `mapstructure:"session"`
	AccessToken       time.Duration `mapstructure:"access_token"`
	IDToken           time.Duration `mapstructure:"id_token"`
	JARMResponse      time.Duration `mapstructure:"jarm_response"`
	DPoPProofMaxAge   time.Duration `mapstructure:"dpop_proof_max_age"`
	OTPSession        time.Duration `mapstructure:"otp_session"`
	KeyRotation       time.Duration `mapstructure:"key_rotation"`
	KeyGrace          time.Duration `mapstructure:"key_grace"`
	SigningKeyCache   time.Duration `mapstructure:"signing_key_cache"`
	ClientCache       time.Duration `mapstructure:"client_cache"`
}

// Features toggles optional protocol surfaces.
type Features struct {
	// FAPI enables the FAPI 2.0 profile: PAR TTL cap, mandatory PKCE.
	FAPI bool `mapstructure:"fapi"`

	// RAR enables parsing of authorization_details (RFC 9396).
	RAR bool `mapstructure:"rar"`

	// RARAllowedTypes is the set of permitted authorization_details types.
	RARAllowedTypes []string `mapstructure:"rar_allowed_types"`

	// RequestURIByReference enables fetching HTTPS request_uri documents.
	// Disabled by default; when on, fetches are SSRF-guarded and capped.
	RequestURIByReference bool `mapstructure:"request_uri_by_reference"`

	// RequestURIAllowedDomains is the domain allowlist for HTTPS
	// request_uri fetches.
	RequestURIAllowedDomains []string `mapstructure:"request_uri_allowed_domains"`

	// AllowInsecureRedirects permits plain-HTTP redirect URIs.
	AllowInsecureRedirects bool `mapstructure:"allow_insecure_redirects"`

	// AllowUnsignedRequestObjects accepts alg=none request objects.
	// Rejected unconditionally in production.
	AllowUnsignedRequestObjects bool `mapstructure:"allow_unsigned_request_objects"`

	// Production hard-disables the development escape hatches.
	Production bool `mapstructure:"production"`

	// RequireState makes the state parameter mandatory on every request.
	RequireState bool `mapstructure:"require_state"`

	// StrictDPoP aborts authorization on any DPoP proof failure instead of
	// logging and continuing.
	StrictDPoP bool `mapstructure:"strict_dpop"`

	// ConformanceUI serves the builtin login/consent forms instead of
	// redirecting to external UI URLs.
	ConformanceUI bool `mapstructure:"conformance_ui"`

	// MaxCodesPerUser caps active codes per (user, client) pair.
	MaxCodesPerUser int `mapstructure:"max_codes_per_user"`

	// MaxAudiences bounds resource/audience parameter counts (1-100).
	MaxAudiences int `mapstructure:"max_audiences"`
}

// Cookies configures the browser cookie policy.
type Cookies struct {
	// SameSite is "lax" or "none"; Secure is implied for "none".
	SameSite string `mapstructure:"same_site"`
	Secure   bool   `mapstructure:"secure"`
	Domain   string `mapstructure:"domain"`
}

// Fetch bounds every outbound HTTP call (JWKS, request_uri, did:web).
type Fetch struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// RateLimits parameterizes the fixed-window limiter buckets.
type RateLimits struct {
	Authorize   Window `mapstructure:"authorize"`
	PAR         Window `mapstructure:"par"`
	EmailCode   Window `mapstructure:"email_code"`
	PasskeyAuth Window `mapstructure:"passkey"`
	DIDAuth     Window `mapstructure:"did"`
}

// Window is a fixed rate-limit window.
type Window struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// UI holds the external UI locations the state machine redirects to.
type UI struct {
	LoginURL   string `mapstructure:"login_url"`
	ReauthURL  string `mapstructure:"reauth_url"`
	ConsentURL string `mapstructure:"consent_url"`
	LogoutURL  string `mapstructure:"logout_url"`
}

// Redis configures the optional Redis-backed state layer. When Addr is
// empty the in-memory actors are used.
type Redis struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SAML configures the service-provider side of the SAML bridge.
type SAML struct {
	// Enabled turns the SAML SP endpoints on.
	Enabled bool `mapstructure:"enabled"`

	// ACSURL is the assertion consumer service URL (must equal the
	// Destination of incoming responses).
	ACSURL string `mapstructure:"acs_url"`

	// EntityID is our SP entity id used in AudienceRestriction checks.
	EntityID string `mapstructure:"entity_id"`

	// IDPSSOURL is the identity provider's SSO endpoint that outbound
	// AuthnRequests redirect to.
	IDPSSOURL string `mapstructure:"idp_sso_url"`

	// IDPIssuer is the entity id expected in assertion Issuer elements.
	IDPIssuer string `mapstructure:"idp_issuer"`

	// IDPCertificatePEM holds the IdP signing certificate chain (one or
	// more PEM CERTIFICATE blocks).
	IDPCertificatePEM string `mapstructure:"idp_certificate_pem"`

	// SPCertificatePEM and SPKeyPEM are the SP signing credentials, used
	// when SignRequests is on and published in SP metadata.
	SPCertificatePEM string `mapstructure:"sp_certificate_pem"`
	SPKeyPEM         string `mapstructure:"sp_key_pem"`

	// SignRequests signs outbound AuthnRequests with the SP key.
	SignRequests bool `mapstructure:"sign_requests"`

	// NameIDFormat requested in outbound AuthnRequests.
	NameIDFormat string `mapstructure:"name_id_format"`

	// AttributeMapping maps profile fields (email, name, given_name,
	// family_name) to the SAML attribute names the IdP emits.
	AttributeMapping map[string]string `mapstructure:"attribute_mapping"`

	// StrictInResponseTo rejects unsolicited assertions; lax mode logs.
	StrictInResponseTo bool `mapstructure:"strict_in_response_to"`

	// ClockSkew tolerated on NotBefore / NotOnOrAfter.
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// WebAuthn configures the passkey relying party.
type WebAuthn struct {
	RPID          string   `mapstructure:"rp_id"`
	RPDisplayName string   `mapstructure:"rp_display_name"`
	RPOrigins     []string `mapstructure:"rp_origins"`
}

// setDefaults registers every default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer_url", "http://localhost:8080")
	v.SetDefault("region", "us")
	v.SetDefault("shard_count", 8)
	v.SetDefault("generation", 1)

	v.SetDefault("lifetimes.authorization_code", 10*time.Minute)
	v.SetDefault("lifetimes.par_request", 10*time.Minute)
	v.SetDefault("lifetimes.par_request_fapi", time.Minute)
	v.SetDefault("lifetimes.challenge", 10*time.Minute)
	v.SetDefault("lifetimes.session", 24*time.Hour)
	v.SetDefault("lifetimes.access_token", time.Hour)
	v.SetDefault("lifetimes.id_token", time.Hour)
	v.SetDefault("lifetimes.jarm_response", 10*time.Minute)
	v.SetDefault("lifetimes.dpop_proof_max_age", time.Minute)
	v.SetDefault("lifetimes.otp_session", 5*time.Minute)
	v.SetDefault("lifetimes.key_rotation", 24*time.Hour)
	v.SetDefault("lifetimes.key_grace", 48*time.Hour)
	v.SetDefault("lifetimes.signing_key_cache", time.Minute)
	v.SetDefault("lifetimes.client_cache", 5*time.Minute)

	v.SetDefault("features.max_codes_per_user", 3)
	v.SetDefault("features.max_audiences", 10)
	v.SetDefault("features.rar_allowed_types", []string{})

	v.SetDefault("cookies.same_site", "lax")
	v.SetDefault("cookies.secure", true)

	v.SetDefault("fetch.timeout", 5*time.Second)
	v.SetDefault("fetch.max_body_size", int64(100*1024))
	v.SetDefault("fetch.max_redirects", 3)

	v.SetDefault("rate_limits.authorize", Window{WindowSeconds: 60, MaxRequests: 60})
	v.SetDefault("rate_limits.par", Window{WindowSeconds: 60, MaxRequests: 60})
	v.SetDefault("rate_limits.email_code", Window{WindowSeconds: 900, MaxRequests: 3})
	v.SetDefault("rate_limits.passkey", Window{WindowSeconds: 60, MaxRequests: 30})
	v.SetDefault("rate_limits.did", Window{WindowSeconds: 60, MaxRequests: 30})

	v.SetDefault("saml.clock_skew", time.Minute)
	v.SetDefault("saml.strict_in_response_to", true)
	v.SetDefault("saml.name_id_format", "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent")
	v.SetDefault("saml.attribute_mapping", map[string]string{
		"email":       "mail",
		"name":        "displayName",
		"given_name":  "givenName",
		"family_name": "sn",
	})

	v.SetDefault("webauthn.rp_display_name", "Authrim")

	v.SetDefault("tenant_profiles", map[string]string{"default": ProfileHuman})
}

// Load reads the configuration from the optional file path and the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTHRIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
// Intended for tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be at least 1, got %d", c.ShardCount)
	}
	if _, err := url.Parse(c.IssuerURL); err != nil || c.IssuerURL == "" {
		return fmt.Errorf("issuer_url %q is not a valid URL", c.IssuerURL)
	}
	switch strings.ToLower(c.Cookies.SameSite) {
	case "lax", "none":
	default:
		return fmt.Errorf("cookies.same_site must be \"lax\" or \"none\", got %q", c.Cookies.SameSite)
	}
	if c.Features.MaxAudiences < 1 || c.Features.MaxAudiences > 100 {
		return fmt.Errorf("features.max_audiences must be within [1,100], got %d", c.Features.MaxAudiences)
	}
	if c.Features.Production && c.Features.AllowUnsignedRequestObjects {
		return fmt.Errorf("allow_unsigned_request_objects cannot be enabled in production")
	}
	return nil
}

// ProfileFor returns the tenant profile name for a tenant id.
func (c *Config) ProfileFor(tenant string) string {
	if p, ok := c.TenantProfiles[tenant]; ok {
		return p
	}
	return ProfileHuman
}

// PARLifetime returns the effective PAR request TTL for the active profile.
func (c *Config) PARLifetime() time.Duration {
	if c.Features.FAPI {
		return c.Lifetimes.PARRequestFAPI
	}
	return c.Lifetimes.PARRequest
}
