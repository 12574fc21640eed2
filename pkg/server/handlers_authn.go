// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authrim/authrim/pkg/authn/didauth"
	"github.com/authrim/authrim/pkg/authn/emailotp"
	"github.com/authrim/authrim/pkg/store"
)

const maxJSONBody = 1 << 20

// Metric labels for authnCeremonies.
const (
	methodEmailOTP = "email_otp"
	methodPasskey  = "passkey"
	methodDID      = "did"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed JSON body",
		})
		return false
	}
	return true
}

// requireSession resolves the session cookie, answering 401 itself when
// there is no live session.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := cookieValue(r, cookieSession)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "login_required",
			"error_description": "no active session",
		})
		return nil, false
	}
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "login_required",
			"error_description": "session is invalid or expired",
		})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleEmailCodeSend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "email_codes", s.cfg.RateLimits.EmailCode) {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "email is required",
		})
		return
	}

	result, err := s.deps.EmailOTP.Send(r.Context(), body.Email)
	if err != nil {
		var limited *emailotp.ErrRateLimited
		if errors.As(err, &limited) {
			s.metrics.rateLimited.WithLabelValues("email_codes").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter/time.Second)+1))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "slow_down",
				"error_description": "too many codes requested",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
		return
	}
	s.setOTPSessionCookie(w, result.OTPSessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": result.ChallengeID,
		"expires_in":   result.ExpiresIn,
	})
}

func (s *Server) handleEmailCodeVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	sess, err := s.deps.EmailOTP.Verify(r.Context(), body.ChallengeID,
		cookieValue(r, cookieOTPSession), body.Code)
	if err != nil {
		s.metrics.authnCeremonies.WithLabelValues(methodEmailOTP, resultFailed).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "the code is invalid or expired",
		})
		return
	}
	s.metrics.authnCeremonies.WithLabelValues(methodEmailOTP, resultSucceeded).Inc()
	s.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": sess.UserID})
}

func (s *Server) handlePasskeyRegisterOptions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	opts, err := s.deps.Passkeys.BeginRegistration(r.Context(), sess.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handlePasskeyRegisterVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	challengeID := r.URL.Query().Get("challenge_id")
	if err := s.deps.Passkeys.FinishRegistration(r.Context(), challengeID, r); err != nil {
		s.metrics.authnCeremonies.WithLabelValues(methodPasskey, resultFailed).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "attestation was rejected",
		})
		return
	}
	s.metrics.authnCeremonies.WithLabelValues(methodPasskey, resultSucceeded).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handlePasskeyLoginOptions(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "passkey_login", s.cfg.RateLimits.PasskeyAuth) {
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	var (
		opts any
		err  error
	)
	if body.UserID == "" {
		opts, err = s.deps.Passkeys.BeginDiscoverableLogin(r.Context())
	} else {
		opts, err = s.deps.Passkeys.BeginLogin(r.Context(), body.UserID)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "could not start the ceremony",
		})
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handlePasskeyLoginVerify(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	sess, err := s.deps.Passkeys.FinishLogin(r.Context(), challengeID, r)
	if err != nil {
		s.metrics.authnCeremonies.WithLabelValues(methodPasskey, resultFailed).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "assertion was rejected",
		})
		return
	}
	s.metrics.authnCeremonies.WithLabelValues(methodPasskey, resultSucceeded).Inc()
	s.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": sess.UserID})
}

func (s *Server) handleDIDChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "did_auth", s.cfg.RateLimits.DIDAuth) {
		return
	}
	var body struct {
		DID string `json:"did"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := s.deps.DIDs.Begin(r.Context(), body.DID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "the DID could not be resolved",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDIDVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID string `json:"challenge_id"`
		Proof       string `json:"proof"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	sess, err := s.deps.DIDs.Verify(r.Context(), body.ChallengeID, body.Proof)
	if err != nil {
		s.metrics.authnCeremonies.WithLabelValues(methodDID, resultFailed).Inc()
		status := http.StatusBadRequest
		if !errors.Is(err, didauth.ErrProofInvalid) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{
			"error":             "invalid_grant",
			"error_description": "the proof was rejected",
		})
		return
	}
	s.metrics.authnCeremonies.WithLabelValues(methodDID, resultSucceeded).Inc()
	if sess == nil {
		// Link ceremony: the wallet proved control, the binding is stored.
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
		return
	}
	s.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": sess.UserID})
}

func (s *Server) handleDIDRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		DID string `json:"did"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := s.deps.DIDs.BeginLink(r.Context(), sess.UserID, body.DID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "the DID could not be resolved",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDIDUnlink(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	did, err := url.PathUnescape(chi.URLParam(r, "did"))
	if err != nil || did == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "a DID path segment is required",
		})
		return
	}
	if err := s.deps.DIDs.Unlink(r.Context(), sess.UserID, did); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":             "invalid_request",
			"error_description": "no such link",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (s *Server) handleDIDList(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	links, err := s.deps.DIDs.Links(r.Context(), sess.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	if links == nil {
		links = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dids": links})
}
