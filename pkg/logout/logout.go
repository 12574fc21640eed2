// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package logout coordinates RP-initiated logout: it validates the
// post-logout redirect, fans back-channel logout tokens out to every
// associated client, renders the front-channel iframe page, and tears
// the session down.
package logout

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/errgroup"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/oauth"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
)

const (
	logoutEvent         = "http://schemas.openid.net/event/backchannel-logout"
	logoutTokenLifetime = 2 * time.Minute
	backchannelFanout   = 4
)

// Sentinel errors.
var (
	ErrInvalidHint        = errors.New("id_token_hint is not a token we issued")
	ErrRedirectNotAllowed = errors.New("post_logout_redirect_uri is not registered")
)

// Service coordinates logout.
type Service struct {
	cfg      *config.Config
	sessions store.SessionStore
	registry *clients.Registry
	issuer   *oauth.TokenIssuer
	keys     *keys.Manager
	client   *http.Client
}

// New builds the service. httpClient delivers back-channel logout tokens
// and should carry the outbound-fetch guards.
func New(cfg *config.Config, sessions store.SessionStore, registry *clients.Registry,
	issuer *oauth.TokenIssuer, km *keys.Manager, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		issuer:   issuer,
		keys:     km,
		client:   httpClient,
	}
}

// Request is one RP-initiated logout.
type Request struct {
	SessionID             string
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// Frame is one front-channel logout iframe.
type Frame struct {
	URL string
}

// Result says what the handler should do next.
type Result struct {
	// RedirectURI is the validated post-logout redirect with state
	// appended; empty means show the local logged-out page.
	RedirectURI string
	// Frames are the front-channel logout iframes to render before
	// redirecting.
	Frames []Frame
	// SessionEnded reports whether a session was actually terminated.
	SessionEnded bool
}

// Logout runs the coordination. The session cookie is only trusted as far
// as naming the session; the id_token_hint, when present, must agree with
// it before the session is destroyed.
func (s *Service) Logout(ctx context.Context, req *Request) (*Result, error) {
	var hint *oauth.HintClaims
	if req.IDTokenHint != "" {
		var err error
		hint, err = s.issuer.VerifyIDTokenHint(req.IDTokenHint)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidHint, err)
		}
	}

	redirectURI, err := s.validateRedirect(ctx, req, hint)
	if err != nil {
		return nil, err
	}

	session := s.loadSession(ctx, req.SessionID)
	if session != nil && hint != nil && hint.Subject != "" && hint.Subject != session.UserID {
		// The hint names a different user than the cookie. Leave the
		// session alone rather than logging out someone else.
		logger.Warnw("id_token_hint subject does not match the active session",
			"session_id", session.ID)
		session = nil
	}

	result := &Result{RedirectURI: redirectURI}
	if session == nil {
		return result, nil
	}

	s.notifyBackchannel(ctx, session)
	result.Frames = s.frontchannelFrames(session)

	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("deleting session: %w", err)
	}
	result.SessionEnded = true
	return result, nil
}

// validateRedirect resolves the client (explicit client_id or the hint's
// audience) and checks the registered post-logout redirect list. A
// redirect without any client identification is never honored.
func (s *Service) validateRedirect(ctx context.Context, req *Request, hint *oauth.HintClaims) (string, error) {
	if req.PostLogoutRedirectURI == "" {
		return "", nil
	}
	clientID := req.ClientID
	if clientID == "" && hint != nil {
		clientID = firstAudience(hint.Audience)
	}
	if clientID == "" {
		return "", ErrRedirectNotAllowed
	}
	client, err := s.registry.Get(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("%w: unknown client %q", ErrRedirectNotAllowed, clientID)
	}
	if !client.MatchPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
		return "", ErrRedirectNotAllowed
	}
	redirect := req.PostLogoutRedirectURI
	if req.State != "" {
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		redirect += sep + "state=" + url.QueryEscape(req.State)
	}
	return redirect, nil
}

// firstAudience picks the client the hint was issued to.
func firstAudience(aud any) string {
	switch v := aud.(type) {
	case string:
		return v
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (s *Service) loadSession(ctx context.Context, id string) *store.Session {
	if id == "" {
		return nil
	}
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil
	}
	return session
}

// notifyBackchannel delivers a logout token to every association that
// registered a back-channel URI. Delivery is best effort: a dead RP
// cannot hold the logout hostage.
func (s *Service) notifyBackchannel(ctx context.Context, session *store.Session) {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(backchannelFanout)
	for _, assoc := range session.Associations {
		if assoc.BackchannelLogoutURI == "" {
			continue
		}
		group.Go(func() error {
			token, err := s.mintLogoutToken(session, assoc)
			if err != nil {
				logger.Errorw("minting logout token", "client_id", assoc.ClientID, "error", err)
				return nil
			}
			if err := s.postLogoutToken(gctx, assoc.BackchannelLogoutURI, token); err != nil {
				logger.Warnw("back-channel logout delivery failed",
					"client_id", assoc.ClientID, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// mintLogoutToken issues the RFC-shaped logout token: the events claim
// marks it, sid binds it to the ended session, and nonce is absent.
func (s *Service) mintLogoutToken(session *store.Session, assoc store.ClientAssociation) (string, error) {
	now := time.Now()
	claims := map[string]any{
		"iss":    s.cfg.IssuerURL,
		"sub":    session.UserID,
		"aud":    assoc.ClientID,
		"iat":    now.Unix(),
		"exp":    now.Add(logoutTokenLifetime).Unix(),
		"jti":    sharding.NewJTI(),
		"events": map[string]any{logoutEvent: map[string]any{}},
	}
	if assoc.SID != "" {
		claims["sid"] = assoc.SID
	}
	mat := s.keys.Active()
	return josekit.SignClaims(claims, mat.Key, mat.KID, jose.RS256, "logout+jwt")
}

func (s *Service) postLogoutToken(ctx context.Context, uri, token string) error {
	form := url.Values{"logout_token": []string{token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("RP answered %d", resp.StatusCode)
	}
	return nil
}

// frontchannelFrames builds the iframe URLs. iss and sid ride along when
// the client asked for session identification.
func (s *Service) frontchannelFrames(session *store.Session) []Frame {
	var frames []Frame
	for _, assoc := range session.Associations {
		if assoc.FrontchannelLogoutURI == "" {
			continue
		}
		target := assoc.FrontchannelLogoutURI
		if assoc.FrontchannelSessionNeeded {
			params := url.Values{}
			params.Set("iss", s.cfg.IssuerURL)
			if assoc.SID != "" {
				params.Set("sid", assoc.SID)
			}
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + params.Encode()
		}
		frames = append(frames, Frame{URL: target})
	}
	return frames
}

var frontchannelTemplate = template.Must(template.New("frontchannel").Parse(`<!DOCTYPE html>
<html>
<head><title>Signing out...</title></head>
<body>
<p>Signing you out of connected applications.</p>
{{range .Frames}}<iframe src="{{.URL}}" style="display:none" aria-hidden="true"></iframe>
{{end}}{{if .RedirectURI}}<script nonce="{{.Nonce}}">setTimeout(function(){window.location="{{.RedirectURI}}";}, 2000);</script>
<noscript><a href="{{.RedirectURI}}">Continue</a></noscript>
{{end}}</body>
</html>
`))

// Page is a rendered front-channel logout page.
type Page struct {
	HTML     []byte
	CSPNonce string
}

// RenderFrames renders the iframe page shown while front-channel logouts
// run, optionally continuing to the validated redirect.
func RenderFrames(frames []Frame, redirectURI string) (*Page, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generating CSP nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(nonceBytes)
	var buf bytes.Buffer
	if err := frontchannelTemplate.Execute(&buf, map[string]any{
		"Frames":      frames,
		"RedirectURI": redirectURI,
		"Nonce":       nonce,
	}); err != nil {
		return nil, fmt.Errorf("rendering logout page: %w", err)
	}
	return &Page{HTML: buf.Bytes(), CSPNonce: nonce}, nil
}
