// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/oauth"
)

// allow runs the fixed-window limiter for the endpoint, answering 429
// with Retry-After itself when the caller is over budget.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, endpoint string, window config.Window) bool {
	if window.MaxRequests <= 0 {
		return true
	}
	ok, retryAfter, err := s.deps.Limiter.Allow(r.Context(),
		endpoint+":"+clientIP(r), window.MaxRequests,
		time.Duration(window.WindowSeconds)*time.Second)
	if err != nil {
		logger.Errorw("rate limiter unavailable", "endpoint", endpoint, "error", err)
		return true
	}
	if ok {
		return true
	}
	s.metrics.rateLimited.WithLabelValues(endpoint).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)+1))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":             "slow_down",
		"error_description": "too many requests",
	})
	return false
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr from the
	// forwarding headers.
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("writing JSON response failed", "error", err)
	}
}

// writeAuthError renders a non-redirectable AuthError directly: JSON for
// API-shaped endpoints, with the status the kind dictates.
func writeAuthError(w http.ResponseWriter, e *oauth.AuthError) {
	if e.Kind == oauth.KindClientAuth {
		w.Header().Set("WWW-Authenticate", `Basic realm="authrim"`)
	}
	writeJSON(w, e.StatusCode(), map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

// deliver sends a prepared authorization response to the user agent.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, d *oauth.Delivery) {
	switch d.Kind {
	case oauth.DeliverRedirect:
		http.Redirect(w, r, d.Location, http.StatusSeeOther)
	case oauth.DeliverHTML:
		if d.CSPNonce != "" {
			w.Header().Set("Content-Security-Policy",
				fmt.Sprintf("default-src 'none'; script-src 'nonce-%s'; form-action *", d.CSPNonce))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(d.HTML)
	}
}

// finishAuthorize converts a flow outcome into an HTTP response. Both the
// authorize endpoint and every continuation endpoint end here.
func (s *Server) finishAuthorize(w http.ResponseWriter, r *http.Request, req *oauth.AuthRequest, outcome *oauth.Outcome) {
	ctx := r.Context()
	switch outcome.Kind {
	case oauth.OutcomeIssued:
		s.metrics.authorizeDecisions.WithLabelValues(outcomeIssued).Inc()
		if outcome.BrowserState != "" {
			s.setBrowserStateCookie(w, outcome.BrowserState)
		}
		client, err := s.deps.Registry.Get(ctx, req.ClientID)
		if err != nil {
			s.renderError(w, oauth.ErrServerError(err))
			return
		}
		delivery, err := s.deps.Responder.Success(ctx, client, req, outcome.Params)
		if err != nil {
			logger.Errorw("building authorization response failed", "error", err)
			s.renderError(w, oauth.ErrServerError(err))
			return
		}
		s.deliver(w, r, delivery)

	case oauth.OutcomeLoginRedirect:
		s.metrics.authorizeDecisions.WithLabelValues(outcomeLogin).Inc()
		http.Redirect(w, r, outcome.RedirectTo, http.StatusSeeOther)

	case oauth.OutcomeConsentRedirect:
		s.metrics.authorizeDecisions.WithLabelValues(outcomeConsent).Inc()
		http.Redirect(w, r, outcome.RedirectTo, http.StatusSeeOther)

	default:
		s.metrics.authorizeDecisions.WithLabelValues(outcomeError).Inc()
		s.failAuthorizeClient(w, r, req.ClientID, outcome.Err)
	}
}

// failAuthorize delivers an AuthError by redirect when permitted,
// otherwise renders it locally. Errors never redirect to an unvalidated
// URI.
func (s *Server) failAuthorize(w http.ResponseWriter, r *http.Request, e *oauth.AuthError) {
	s.failAuthorizeClient(w, r, r.FormValue("client_id"), e)
}

func (s *Server) failAuthorizeClient(w http.ResponseWriter, r *http.Request, clientID string, e *oauth.AuthError) {
	if e == nil {
		e = oauth.ErrServerError(nil)
	}
	if e.Unwrap() != nil || e.Kind == oauth.KindInternal {
		logger.Warnw("authorization failed", "error_code", e.Code, "error", e.Unwrap())
	}
	if e.Redirectable {
		client, err := s.deps.Registry.Get(r.Context(), clientID)
		if err == nil {
			if delivery, derr := s.deps.Responder.Failure(r.Context(), client, e); derr == nil {
				s.deliver(w, r, delivery)
				return
			}
		}
	}
	s.renderError(w, e)
}

// handleAuthorize is the authorization endpoint (GET and form POST).
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "authorize", s.cfg.RateLimits.Authorize) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()

	req, client, aerr := s.deps.Parser.Parse(ctx, r.Form)
	if aerr != nil {
		s.failAuthorize(w, r, aerr)
		return
	}
	profile := s.cfg.ProfileFor(client.TenantID)
	if aerr := s.deps.Validator.Validate(req, client, profile); aerr != nil {
		s.failAuthorize(w, r, aerr)
		return
	}
	if client.RequirePushedRequests && !req.ViaPushedRequest {
		s.failAuthorize(w, r, oauth.ErrInvalidRequest("client requires pushed authorization requests").
			WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode()))
		return
	}

	outcome := s.deps.Flow.Authorize(ctx, &oauth.AuthorizeInput{
		Request:      req,
		Client:       client,
		SessionID:    cookieValue(r, cookieSession),
		BrowserState: cookieValue(r, cookieBrowserState),
		DPoPProof:    r.Header.Get("DPoP"),
		Method:       r.Method,
		RequestURL:   s.cfg.IssuerURL + "/authorize",
	})
	s.finishAuthorize(w, r, req, outcome)
}

// handlePAR is the pushed authorization request endpoint (RFC 9126).
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "par", s.cfg.RateLimits.PAR) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeAuthError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()

	client, aerr := s.deps.ClientAuth.Authenticate(ctx, r, r.PostForm)
	if aerr != nil {
		writeAuthError(w, aerr)
		return
	}
	result, aerr := s.deps.PAR.Push(ctx, client, r.PostForm, s.cfg.ProfileFor(client.TenantID))
	if aerr != nil {
		writeAuthError(w, aerr)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleToken is the token endpoint.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()
	grantType := r.PostForm.Get("grant_type")

	client, aerr := s.deps.ClientAuth.Authenticate(ctx, r, r.PostForm)
	if aerr != nil {
		s.metrics.tokenRequests.WithLabelValues(grantType, resultError).Inc()
		writeAuthError(w, aerr)
		return
	}

	resp, aerr := s.deps.Tokens.Exchange(ctx, &oauth.ExchangeInput{
		Client:     client,
		Form:       r.PostForm,
		DPoPProof:  r.Header.Get("DPoP"),
		Method:     r.Method,
		RequestURL: s.cfg.IssuerURL + "/token",
	})
	if aerr != nil {
		s.metrics.tokenRequests.WithLabelValues(grantType, resultError).Inc()
		writeAuthError(w, aerr)
		return
	}
	s.metrics.tokenRequests.WithLabelValues(grantType, resultOK).Inc()
	writeJSON(w, http.StatusOK, resp)
}
