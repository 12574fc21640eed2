// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/pkg/store"
)

// Cookie names.
const (
	cookieSession      = "authrim_session"
	cookieBrowserState = "authrim_browser_state"
	cookieOTPSession   = "authrim_otp_session"
)

func (s *Server) sameSite() http.SameSite {
	if strings.EqualFold(s.cfg.Cookies.SameSite, "none") {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (s *Server) secureCookies() bool {
	// SameSite=None is only honored on Secure cookies.
	return s.cfg.Cookies.Secure || s.sameSite() == http.SameSiteNoneMode
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess *store.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieSession,
		Value:    sess.ID,
		Path:     "/",
		Domain:   s.cfg.Cookies.Domain,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: s.sameSite(),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieSession,
		Value:    "",
		Path:     "/",
		Domain:   s.cfg.Cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: s.sameSite(),
	})
}

// setBrowserStateCookie is readable by the RP's session-check iframe
// script, so it is deliberately not HttpOnly.
func (s *Server) setBrowserStateCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieBrowserState,
		Value:    value,
		Path:     "/",
		Domain:   s.cfg.Cookies.Domain,
		Expires:  time.Now().Add(s.cfg.Lifetimes.Session),
		Secure:   s.secureCookies(),
		SameSite: s.sameSite(),
	})
}

func (s *Server) setOTPSessionCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieOTPSession,
		Value:    value,
		Path:     "/",
		Domain:   s.cfg.Cookies.Domain,
		Expires:  time.Now().Add(s.cfg.Lifetimes.OTPSession),
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: s.sameSite(),
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
