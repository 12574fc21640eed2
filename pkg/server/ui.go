// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/oauth"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization error</title></head>
<body>
<h1>Authorization error</h1>
<p><strong>{{.Code}}</strong>{{if .Description}}: {{.Description}}{{end}}</p>
</body>
</html>
`))

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<form method="post" action="/flow/login">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}"/>
<label>Email <input type="email" name="email" autocomplete="username" required/></label>
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

var confirmTemplate = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<head><title>Confirm it is you</title></head>
<body>
<h1>Confirm it is you</h1>
<form method="post" action="/flow/confirm">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}"/>
<button type="submit">Confirm</button>
</form>
</body>
</html>
`))

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientID}}</title></head>
<body>
<h1>Authorize {{.ClientID}}</h1>
<p>The application requests access to:</p>
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<form method="post" action="/auth/consent">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}"/>
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`))

var loggedOutTemplate = template.Must(template.New("logged_out").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed out</title></head>
<body><h1>You have been signed out.</h1></body>
</html>
`))

// renderError shows a terminal error page. Redirectable errors never
// reach this path.
func (s *Server) renderError(w http.ResponseWriter, e *oauth.AuthError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.StatusCode())
	if err := errorTemplate.Execute(w, map[string]string{
		"Code":        e.Code,
		"Description": e.Description,
	}); err != nil {
		logger.Debugw("rendering error page failed", "error", err)
	}
}

func renderHTML(w http.ResponseWriter, tpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := tpl.Execute(w, data); err != nil {
		logger.Debugw("rendering page failed", "error", err)
	}
}

// handleLoginPage serves the builtin login form for the parked challenge.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	if _, err := s.deps.Flow.PeekChallenge(r.Context(), challengeID); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}
	renderHTML(w, loginTemplate, map[string]string{"ChallengeID": challengeID})
}

// handleLoginSubmit signs the user in by email and resumes the parked
// authorization. The builtin form is for conformance runs and local
// development; production tenants point UI.LoginURL at a real frontend
// that drives the same resume endpoints.
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()
	challengeID := r.PostForm.Get("challenge_id")
	email := r.PostForm.Get("email")
	if challengeID == "" || email == "" {
		s.renderError(w, oauth.ErrInvalidRequest("challenge_id and email are required"))
		return
	}

	snap, err := s.deps.Flow.PeekChallenge(ctx, challengeID)
	if err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}

	client, err := s.deps.Registry.Get(ctx, snap.Request.ClientID)
	if err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("unknown client"))
		return
	}

	user, err := s.userByEmail(r, email)
	if err != nil {
		s.renderError(w, oauth.ErrServerError(err))
		return
	}
	now := time.Now()

	if s.cfg.ProfileFor(client.TenantID) == config.ProfileAIEphemeral {
		// This tenant keeps no server-side sessions: hand the identity
		// straight back to the flow, with no session record and no
		// cookie.
		outcome := s.deps.Flow.ResumeLogin(ctx, challengeID, &oauth.EphemeralLogin{
			UserID:   user.ID,
			TenantID: user.TenantID,
			AuthTime: now,
			AMR:      []string{"pwd"},
		}, s.deps.Registry.Get)
		s.finishAuthorize(w, r, snap.Request, outcome)
		return
	}

	sess := &store.Session{
		ID:        s.deps.Router.NewSessionID(),
		UserID:    user.ID,
		TenantID:  user.TenantID,
		AuthTime:  now,
		AMR:       []string{"pwd"},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetimes.Session),
	}
	if err := s.deps.Sessions.Create(ctx, sess); err != nil {
		s.renderError(w, oauth.ErrServerError(err))
		return
	}
	s.setSessionCookie(w, sess)

	outcome := s.deps.Flow.Resume(ctx, challengeID, sess.ID, s.deps.Registry.Get)
	s.finishAuthorize(w, r, snap.Request, outcome)
}

func (s *Server) userByEmail(r *http.Request, email string) (*users.User, error) {
	ctx := r.Context()
	user, err := s.deps.Directory.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		// Only a definitive miss provisions; a directory failure must not
		// mint a duplicate user.
		return nil, err
	}
	user, err = s.deps.Directory.CreateUser(ctx, "default")
	if err != nil {
		return nil, err
	}
	if perr := s.deps.Directory.UpsertProfile(ctx, &users.Profile{
		UserID: user.ID,
		Email:  email,
	}); perr != nil {
		return nil, perr
	}
	return user, nil
}

// handleConfirmPage serves the reauthentication confirmation form.
func (s *Server) handleConfirmPage(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	if _, err := s.deps.Flow.PeekChallenge(r.Context(), challengeID); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}
	renderHTML(w, confirmTemplate, map[string]string{"ChallengeID": challengeID})
}

// handleConfirmSubmit refreshes the session's auth_time and resumes.
func (s *Server) handleConfirmSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()
	challengeID := r.PostForm.Get("challenge_id")
	sessionID := cookieValue(r, cookieSession)
	if sessionID == "" {
		s.renderError(w, oauth.ErrLoginRequired("no active session"))
		return
	}
	snap, err := s.deps.Flow.PeekChallenge(ctx, challengeID)
	if err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}
	if _, err := s.deps.Sessions.Patch(ctx, sessionID, &store.Session{AuthTime: time.Now()}); err != nil {
		s.renderError(w, oauth.ErrServerError(err))
		return
	}
	outcome := s.deps.Flow.Resume(ctx, challengeID, sessionID, s.deps.Registry.Get)
	s.finishAuthorize(w, r, snap.Request, outcome)
}

// handleConsentPage shows what the client asked for.
func (s *Server) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	snap, err := s.deps.Flow.PeekChallenge(r.Context(), challengeID)
	if err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}
	renderHTML(w, consentTemplate, map[string]any{
		"ChallengeID": challengeID,
		"ClientID":    snap.Request.ClientID,
		"Scopes":      snap.Request.Scopes(),
	})
}

// handleConsentSubmit records (or denies) the grant and resumes.
func (s *Server) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	ctx := r.Context()
	challengeID := r.PostForm.Get("challenge_id")
	sessionID := cookieValue(r, cookieSession)

	snap, err := s.deps.Flow.PeekChallenge(ctx, challengeID)
	if err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("challenge is invalid or expired"))
		return
	}

	if r.PostForm.Get("decision") != "allow" {
		_ = s.deps.Challenges.Delete(ctx, challengeID)
		e := oauth.ErrAccessDenied("the resource owner denied the request").
			WithRedirect(snap.Request.RedirectURI, snap.Request.State, snap.Request.EffectiveResponseMode())
		s.failAuthorizeClient(w, r, snap.Request.ClientID, e)
		return
	}

	// Prefer the live session's user; the parked challenge carries the
	// identity for tenants that keep no sessions.
	userID := snap.UserID
	if sess, serr := s.deps.Sessions.Get(ctx, sessionID); serr == nil {
		userID = sess.UserID
	} else if userID == "" {
		s.renderError(w, oauth.ErrLoginRequired("no active session"))
		return
	}
	if err := s.deps.Directory.GrantConsent(ctx, &users.Consent{
		UserID:   userID,
		ClientID: snap.Request.ClientID,
		Scopes:   snap.Request.Scopes(),
	}); err != nil {
		s.renderError(w, oauth.ErrServerError(err))
		return
	}
	outcome := s.deps.Flow.Resume(ctx, challengeID, sessionID, s.deps.Registry.Get)
	s.finishAuthorize(w, r, snap.Request, outcome)
}
