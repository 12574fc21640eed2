// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package server composes every protocol surface into one chi router:
// the OAuth core, the authenticator APIs, the SAML bridge, session
// management, and the operational endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/authrim/authrim/pkg/authn/didauth"
	"github.com/authrim/authrim/pkg/authn/emailotp"
	"github.com/authrim/authrim/pkg/authn/passkey"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/logout"
	"github.com/authrim/authrim/pkg/oauth"
	"github.com/authrim/authrim/pkg/samlsp"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 30 * time.Second
)

// Deps carries every service the router dispatches to. SAML may be nil
// when the bridge is disabled.
type Deps struct {
	Registry   *clients.Registry
	Parser     *oauth.Parser
	Validator  *oauth.Validator
	Flow       *oauth.Flow
	Tokens     *oauth.Tokens
	PAR        *oauth.PushedRequests
	Responder  *oauth.Responder
	ClientAuth *oauth.ClientAuthenticator
	Issuer     *oauth.TokenIssuer
	Keys       *keys.Manager
	Router     *sharding.Router

	Codes      store.AuthCodeStore
	Sessions   store.SessionStore
	Challenges store.ChallengeStore
	Limiter    store.RateLimiter
	Directory  users.Directory

	EmailOTP *emailotp.Service
	Passkeys *passkey.Service
	DIDs     *didauth.Service
	SAML     *samlsp.Service
	Logout   *logout.Service
}

// Server is the HTTP front end.
type Server struct {
	cfg     *config.Config
	deps    Deps
	metrics *Metrics
}

// New builds a server.
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, metrics: NewMetrics()}
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	// OAuth / OIDC core.
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/authorize", s.handleAuthorize)
	r.Post("/par", s.handlePAR)
	r.Post("/token", s.handleToken)

	// Interaction continuation.
	r.Get("/flow/login", s.handleLoginPage)
	r.Post("/flow/login", s.handleLoginSubmit)
	r.Get("/flow/confirm", s.handleConfirmPage)
	r.Post("/flow/confirm", s.handleConfirmSubmit)
	r.Get("/auth/consent", s.handleConsentPage)
	r.Post("/auth/consent", s.handleConsentSubmit)

	// Authenticator APIs.
	r.Route("/api/auth", func(api chi.Router) {
		api.Post("/email-codes/send", s.handleEmailCodeSend)
		api.Post("/email-codes/verify", s.handleEmailCodeVerify)

		api.Post("/passkeys/register/options", s.handlePasskeyRegisterOptions)
		api.Post("/passkeys/register/verify", s.handlePasskeyRegisterVerify)
		api.Post("/passkeys/login/options", s.handlePasskeyLoginOptions)
		api.Post("/passkeys/login/verify", s.handlePasskeyLoginVerify)

		api.Post("/dids/challenge", s.handleDIDChallenge)
		api.Post("/dids/verify", s.handleDIDVerify)
		api.Get("/dids", s.handleDIDList)
		api.Post("/dids/register/challenge", s.handleDIDRegisterChallenge)
		api.Post("/dids/register/verify", s.handleDIDVerify)
		api.Delete("/dids/{did}", s.handleDIDUnlink)
	})

	// Session management and logout.
	r.Get("/session/check", s.handleSessionCheck)
	r.Get("/logout", s.handleLogout)
	r.Post("/logout", s.handleLogout)
	r.Post("/logout/backchannel", s.handleBackchannelLogout)

	// SAML bridge.
	if s.cfg.SAML.Enabled && s.deps.SAML != nil {
		r.Get("/saml/sp/login", s.handleSAMLLogin)
		r.Post("/saml/sp/acs", s.handleSAMLACS)
		r.Get("/saml/sp/slo", s.handleSAMLSLO)
		r.Post("/saml/sp/slo", s.handleSAMLSLO)
		r.Get("/saml/sp/metadata", s.handleSAMLMetadata)
	}

	// Discovery and operations.
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/jwks", s.handleJWKS)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Serve runs the server until the context is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
