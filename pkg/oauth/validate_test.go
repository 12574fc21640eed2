// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/config"
)

func TestValidateRedirectURIFirst(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())
	client := testClient()

	tests := []struct {
		name        string
		redirectURI string
		wantCode    string
	}{
		{"missing", "", "invalid_request"},
		{"relative", "/cb", "invalid_request"},
		{"fragment", "https://rp.example.com/cb#frag", "invalid_request"},
		{"plain http", "http://rp.example.com/cb", "invalid_request"},
		{"unregistered", "https://evil.example.com/cb", "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := testRequest()
			req.RedirectURI = tc.redirectURI
			err := v.Validate(req, client, config.ProfileHuman)
			require.NotNil(t, err)
			assert.Equal(t, tc.wantCode, err.Code)
			// Until the redirect URI is known-good, errors must be
			// rendered directly, never redirected.
			assert.False(t, err.Redirectable)
		})
	}
}

func TestValidateLoopbackRedirect(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())
	client := testClient()
	client.RedirectURIs = []string{"http://127.0.0.1/cb"}

	req := testRequest()
	req.RedirectURI = "http://127.0.0.1:51004/cb"
	require.Nil(t, v.Validate(req, client, config.ProfileHuman))
}

func TestValidateResponseType(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	t.Run("canonicalizes token order", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.ResponseType = "id_token code"
		require.Nil(t, v.Validate(req, testClient(), config.ProfileHuman))
		assert.Equal(t, "code id_token", req.ResponseType)
	})

	t.Run("unsupported value", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.ResponseType = "code wibble"
		err := v.Validate(req, testClient(), config.ProfileHuman)
		require.NotNil(t, err)
		assert.Equal(t, "unsupported_response_type", err.Code)
		assert.True(t, err.Redirectable)
	})

	t.Run("client not registered for type", func(t *testing.T) {
		t.Parallel()
		client := testClient()
		client.ResponseTypes = []string{"code"}
		req := testRequest()
		req.ResponseType = "token"
		err := v.Validate(req, client, config.ProfileHuman)
		require.NotNil(t, err)
		assert.Equal(t, "unauthorized_client", err.Code)
	})

	t.Run("ephemeral profile permits only code", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.ResponseType = "code id_token"
		err := v.Validate(req, testClient(), config.ProfileAIEphemeral)
		require.NotNil(t, err)
		assert.Equal(t, "unsupported_response_type", err.Code)
	})
}

func TestValidateScope(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	req := testRequest()
	req.Scope = ""
	err := v.Validate(req, testClient(), config.ProfileHuman)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_scope", err.Code)

	req = testRequest()
	req.Scope = "openid admin:everything"
	err = v.Validate(req, testClient(), config.ProfileHuman)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_scope", err.Code)
	assert.True(t, err.Redirectable)
}

func TestValidateStateAndNonce(t *testing.T) {
	t.Parallel()

	t.Run("state required for none", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.ResponseType = "none"
		req.State = ""
		err := v.Validate(req, testClient(), config.ProfileHuman)
		require.NotNil(t, err)
		assert.Equal(t, "invalid_request", err.Code)
	})

	t.Run("state required when configured", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Features.RequireState = true
		v := NewValidator(cfg)
		req := testRequest()
		req.State = ""
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("nonce required with id_token", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.ResponseType = "code id_token"
		req.Nonce = ""
		err := v.Validate(req, testClient(), config.ProfileHuman)
		require.NotNil(t, err)
		assert.Contains(t, err.Description, "nonce")
	})
}

func TestValidateResponseMode(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	tests := []struct {
		name         string
		responseType string
		responseMode string
		wantErr      bool
	}{
		{"query for code", "code", "query", false},
		{"form_post for hybrid", "code id_token", "form_post", false},
		{"jarm query", "code", "query.jwt", false},
		{"bare jwt", "code", "jwt", false},
		{"fragment with pure code", "code", "fragment", true},
		{"query carrying id_token", "code id_token", "query", true},
		{"query carrying token", "token", "query", true},
		{"unknown mode", "code", "web_message", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := testRequest()
			req.ResponseType = tc.responseType
			req.ResponseMode = tc.responseMode
			err := v.Validate(req, testClient(), config.ProfileHuman)
			if tc.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, "invalid_request", err.Code)
			} else {
				require.Nil(t, err)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	t.Parallel()
	challenge := strings.Repeat("a", 43)

	t.Run("S256 accepted", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = "S256"
		require.Nil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("plain rejected", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = "plain"
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("malformed challenge", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.CodeChallenge = "too short!"
		req.CodeChallengeMethod = "S256"
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("method without challenge", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.CodeChallengeMethod = "S256"
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("mandatory under FAPI", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Features.FAPI = true
		v := NewValidator(cfg)
		req := testRequest()
		err := v.Validate(req, testClient(), config.ProfileHuman)
		require.NotNil(t, err)
		assert.Contains(t, err.Description, "PKCE")
	})
}

func TestValidateClaimsParameter(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	tests := []struct {
		name    string
		claims  string
		wantErr bool
	}{
		{"valid", `{"userinfo":{"email":{"essential":true}},"id_token":{"name":null}}`, false},
		{"not json", `{not json`, true},
		{"array", `["email"]`, true},
		{"unknown member", `{"access_token":{}}`, true},
		{"member not object", `{"userinfo":"email"}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := testRequest()
			req.Claims = tc.claims
			err := v.Validate(req, testClient(), config.ProfileHuman)
			if tc.wantErr {
				require.NotNil(t, err)
			} else {
				require.Nil(t, err)
			}
		})
	}
}

func TestValidateAuthorizationDetails(t *testing.T) {
	t.Parallel()
	payload := `[{"type":"payment_initiation","actions":["initiate"],"unknown_extra":1}]`

	t.Run("disabled by default", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(testConfig())
		req := testRequest()
		req.AuthorizationDetails = payload
		err := v.Validate(req, testClient(), config.ProfileHuman)
		require.NotNil(t, err)
		assert.Equal(t, "invalid_authorization_details", err.Code)
	})

	t.Run("type allowlist", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Features.RAR = true
		cfg.Features.RARAllowedTypes = []string{"account_information"}
		v := NewValidator(cfg)
		req := testRequest()
		req.AuthorizationDetails = payload
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("sanitized replacement", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Features.RAR = true
		cfg.Features.RARAllowedTypes = []string{"payment_initiation"}
		v := NewValidator(cfg)
		req := testRequest()
		req.AuthorizationDetails = payload
		require.Nil(t, v.Validate(req, testClient(), config.ProfileHuman))
		// The stored value is the re-marshalled form, not the raw input.
		assert.NotEqual(t, payload, req.AuthorizationDetails)
		assert.Contains(t, req.AuthorizationDetails, "payment_initiation")
	})

	t.Run("missing type", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Features.RAR = true
		cfg.Features.RARAllowedTypes = []string{"payment_initiation"}
		v := NewValidator(cfg)
		req := testRequest()
		req.AuthorizationDetails = `[{"actions":["initiate"]}]`
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})
}

func TestValidateMaxAgeAndPrompt(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	t.Run("malformed max_age", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		malformed := -2
		req.MaxAge = &malformed
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("max_age zero is valid", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		zero := 0
		req.MaxAge = &zero
		require.Nil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("unknown prompt token", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.Prompt = "login wibble"
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})

	t.Run("none is exclusive", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.Prompt = "none login"
		require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
	})
}

func TestValidateResources(t *testing.T) {
	t.Parallel()
	v := NewValidator(testConfig())

	req := testRequest()
	req.Resources = []string{"https://api.example.com", "not-a-uri"}
	require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))

	req = testRequest()
	for i := 0; i < 11; i++ {
		req.Resources = append(req.Resources, "https://api.example.com/"+string(rune('a'+i)))
	}
	require.NotNil(t, v.Validate(req, testClient(), config.ProfileHuman))
}

func TestEffectiveResponseMode(t *testing.T) {
	t.Parallel()
	req := &AuthRequest{ResponseType: "code"}
	assert.Equal(t, "query", req.EffectiveResponseMode())
	req.ResponseType = "code id_token"
	assert.Equal(t, "fragment", req.EffectiveResponseMode())
	req.ResponseMode = "form_post"
	assert.Equal(t, "form_post", req.EffectiveResponseMode())
}
