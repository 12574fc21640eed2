// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/logout"
	"github.com/authrim/authrim/pkg/oauth"
)

// handleSessionCheck is the polling fallback behind the OIDC session
// management iframe. The RP supplies its client_id, the session_state it
// was issued, and its origin; the answer says whether the browser's
// authentication state still matches.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	sessionState := q.Get("session_state")
	origin := q.Get("origin")
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	if clientID == "" || sessionState == "" || origin == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "client_id, session_state and origin are required",
		})
		return
	}

	browserState := cookieValue(r, cookieBrowserState)
	status := "changed"
	if oauth.VerifySessionState(sessionState, clientID, origin, browserState) {
		status = "unchanged"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleLogout is the RP-initiated logout endpoint (GET and form POST).
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed request body",
		})
		return
	}

	result, err := s.deps.Logout.Logout(r.Context(), &logout.Request{
		SessionID:             cookieValue(r, cookieSession),
		IDTokenHint:           r.Form.Get("id_token_hint"),
		ClientID:              r.Form.Get("client_id"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
	})
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		switch {
		case errors.Is(err, logout.ErrInvalidHint):
		case errors.Is(err, logout.ErrRedirectNotAllowed):
		default:
			status = http.StatusInternalServerError
			code = "server_error"
			logger.Errorw("logout failed", "error", err)
		}
		writeJSON(w, status, map[string]string{
			"error":             code,
			"error_description": err.Error(),
		})
		return
	}

	if result.SessionEnded {
		s.clearSessionCookie(w)
	}

	if len(result.Frames) > 0 {
		page, perr := logout.RenderFrames(result.Frames, result.RedirectURI)
		if perr != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		w.Header().Set("Content-Security-Policy",
			fmt.Sprintf("default-src 'none'; frame-src *; script-src 'nonce-%s'", page.CSPNonce))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(page.HTML)
		return
	}

	if result.RedirectURI != "" {
		http.Redirect(w, r, result.RedirectURI, http.StatusSeeOther)
		return
	}
	renderHTML(w, loggedOutTemplate, nil)
}

// handleBackchannelLogout is the programmatic counterpart of /logout for
// callers that cannot follow redirects or render frames. Sessions named
// by an id_token_hint are ended and back-channel logout tokens are
// delivered, but no front-channel work happens.
func (s *Server) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed request body",
		})
		return
	}

	result, err := s.deps.Logout.Logout(r.Context(), &logout.Request{
		SessionID:   cookieValue(r, cookieSession),
		IDTokenHint: r.Form.Get("id_token_hint"),
		ClientID:    r.Form.Get("client_id"),
	})
	if err != nil {
		if errors.Is(err, logout.ErrInvalidHint) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_request",
				"error_description": "the id_token_hint was rejected",
			})
			return
		}
		logger.Errorw("back-channel logout failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	if result.SessionEnded {
		s.clearSessionCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_ended": result.SessionEnded})
}

// handleSAMLLogin starts the SP-initiated flow against the upstream IdP.
func (s *Server) handleSAMLLogin(w http.ResponseWriter, r *http.Request) {
	redirect, err := s.deps.SAML.StartLogin(r.Context(), r.URL.Query().Get("return_to"))
	if err != nil {
		logger.Errorw("building SAML authentication request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusSeeOther)
}

// handleSAMLACS is the assertion consumer service.
func (s *Server) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed request body",
		})
		return
	}
	login, err := s.deps.SAML.ConsumeResponse(r.Context(),
		r.PostForm.Get("SAMLResponse"), r.PostForm.Get("RelayState"))
	if err != nil {
		s.metrics.authnCeremonies.WithLabelValues("saml", resultFailed).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "the SAML response was rejected",
		})
		return
	}
	s.metrics.authnCeremonies.WithLabelValues("saml", resultSucceeded).Inc()
	s.setSessionCookie(w, login.Session)

	target := login.ReturnTo
	if target == "" || target[0] != '/' {
		// Only relative targets survive the round trip through RelayState.
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleSAMLSLO receives IdP-initiated single logout. The upstream IdP
// has already ended its own session; our job is to end the local browser
// session the assertion established.
func (s *Server) handleSAMLSLO(w http.ResponseWriter, r *http.Request) {
	if id := cookieValue(r, cookieSession); id != "" {
		if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
			logger.Warnw("deleting session on SAML SLO failed", "error", err)
		}
	}
	s.clearSessionCookie(w)
	renderHTML(w, loggedOutTemplate, nil)
}

// handleSAMLMetadata publishes the SP entity descriptor.
func (s *Server) handleSAMLMetadata(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.deps.SAML.Metadata()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	_, _ = w.Write(doc)
}
