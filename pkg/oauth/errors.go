// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the authorization server core: request
// parsing (form, PAR, request objects), validation, the authorization
// state machine, response-mode dispatch, and token issuance.
package oauth

import (
	"fmt"

	"github.com/ory/fosite"
)

// ErrorKind classifies authorization failures by how they are delivered.
type ErrorKind int

// Error kinds.
const (
	// KindValidation is a protocol error; redirectable when the redirect
	// URI has been validated, otherwise rendered directly.
	KindValidation ErrorKind = iota
	// KindClientAuth is a client authentication failure (401, JSON).
	KindClientAuth
	// KindLoginRequired means interaction is needed but prompt=none.
	KindLoginRequired
	// KindConsentRequired means consent is needed but prompt=none.
	KindConsentRequired
	// KindInvalidDPoP is a DPoP proof failure at the token endpoint.
	KindInvalidDPoP
	// KindRateLimited is a 429 with Retry-After.
	KindRateLimited
	// KindInternal is an unexpected server failure; the detail never
	// leaves the process.
	KindInternal
)

// AuthError is the single error type the OAuth surface produces. Code is
// the RFC 6749 error code on the wire; Description is safe for clients.
type AuthError struct {
	Kind        ErrorKind
	Code        string
	Description string

	// Redirectable is set once the client and redirect URI have been
	// validated; only then may the error travel by redirect.
	Redirectable bool
	RedirectURI  string
	State        string
	ResponseMode string

	cause error
}

// Error implements error.
func (e *AuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *AuthError) Unwrap() error { return e.cause }

// WithCause attaches the underlying error (for logs only).
func (e *AuthError) WithCause(err error) *AuthError {
	e.cause = err
	return e
}

// WithRedirect marks the error deliverable to the validated redirect URI.
func (e *AuthError) WithRedirect(redirectURI, state, responseMode string) *AuthError {
	e.Redirectable = true
	e.RedirectURI = redirectURI
	e.State = state
	e.ResponseMode = responseMode
	return e
}

// StatusCode maps the error to an HTTP status for direct delivery.
func (e *AuthError) StatusCode() int {
	switch e.Kind {
	case KindClientAuth:
		return 401
	case KindRateLimited:
		return 429
	case KindInternal:
		return 500
	default:
		return 400
	}
}

// fromRFC builds an AuthError from fosite's RFC 6749 error vocabulary.
func fromRFC(kind ErrorKind, rfc *fosite.RFC6749Error, description string) *AuthError {
	if description == "" {
		description = rfc.DescriptionField
	}
	return &AuthError{Kind: kind, Code: rfc.ErrorField, Description: description}
}

// Constructors for the codes the server actually emits.

// ErrInvalidRequest is a malformed or inconsistent request.
func ErrInvalidRequest(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrInvalidRequest, description)
}

// ErrInvalidClient is a failed client authentication.
func ErrInvalidClient(description string) *AuthError {
	return fromRFC(KindClientAuth, fosite.ErrInvalidClient, description)
}

// ErrInvalidGrant is an unusable authorization code or exchange token.
func ErrInvalidGrant(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrInvalidGrant, description)
}

// ErrUnauthorizedClient means the client may not use this grant.
func ErrUnauthorizedClient(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrUnauthorizedClient, description)
}

// ErrUnsupportedResponseType rejects response types we do not serve.
func ErrUnsupportedResponseType(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrUnsupportedResponseType, description)
}

// ErrUnsupportedGrantType rejects grant types we do not serve.
func ErrUnsupportedGrantType(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrUnsupportedGrantType, description)
}

// ErrInvalidScope rejects scopes outside the client's grant.
func ErrInvalidScope(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrInvalidScope, description)
}

// ErrAccessDenied is the resource owner (or policy) saying no.
func ErrAccessDenied(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrAccessDenied, description)
}

// ErrServerError hides internal failures behind a generic code.
func ErrServerError(cause error) *AuthError {
	e := fromRFC(KindInternal, fosite.ErrServerError, "")
	e.cause = cause
	return e
}

// ErrLoginRequired is emitted for prompt=none without a usable session.
func ErrLoginRequired(description string) *AuthError {
	return fromRFC(KindLoginRequired, fosite.ErrLoginRequired, description)
}

// ErrConsentRequired is emitted for prompt=none without prior consent.
func ErrConsentRequired(description string) *AuthError {
	return fromRFC(KindConsentRequired, fosite.ErrConsentRequired, description)
}

// ErrRequestNotSupported rejects request objects when disabled.
func ErrRequestNotSupported(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrRequestNotSupported, description)
}

// ErrRequestURINotSupported rejects request_uri values we will not fetch.
func ErrRequestURINotSupported(description string) *AuthError {
	return fromRFC(KindValidation, fosite.ErrRequestURINotSupported, description)
}

// ErrInvalidDPoPProof is RFC 9449's token endpoint error.
func ErrInvalidDPoPProof(description string) *AuthError {
	return &AuthError{Kind: KindInvalidDPoP, Code: "invalid_dpop_proof", Description: description}
}

// ErrSlowDown is the rate limit rejection.
func ErrSlowDown(description string) *AuthError {
	return &AuthError{Kind: KindRateLimited, Code: "slow_down", Description: description}
}

// ErrInvalidAuthorizationDetails rejects malformed RAR payloads (RFC 9396).
func ErrInvalidAuthorizationDetails(description string) *AuthError {
	return &AuthError{Kind: KindValidation, Code: "invalid_authorization_details", Description: description}
}
