// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/dpop"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// OutcomeKind is what the state machine decided.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeIssued carries response parameters ready for delivery.
	OutcomeIssued OutcomeKind = iota
	// OutcomeLoginRedirect parks the request and sends the user agent to
	// the login (or reauth) UI.
	OutcomeLoginRedirect
	// OutcomeConsentRedirect parks the request and sends the user agent
	// to the consent UI.
	OutcomeConsentRedirect
	// OutcomeError carries an AuthError for the conversion layer.
	OutcomeError
)

// Outcome is the result of one pass through the authorization state
// machine.
type Outcome struct {
	Kind        OutcomeKind
	Params      url.Values
	ChallengeID string
	RedirectTo  string
	// BrowserState, when non-empty, must be set as the
	// authrim_browser_state cookie before delivery.
	BrowserState string
	Err          *AuthError
}

// FlowSnapshot is the challenge payload that parks an authorization
// request across a UI interaction.
type FlowSnapshot struct {
	Request *AuthRequest `json:"request"`
	Stage   string       `json:"stage"`
	UserID  string       `json:"user_id,omitempty"`
}

// Park stages.
const (
	StageLogin   = "login"
	StageReauth  = "reauth"
	StageConsent = "consent"
)

// EphemeralLogin is an authenticated identity that never touches the
// session store, for clients whose tenant profile keeps no server-side
// sessions.
type EphemeralLogin struct {
	UserID   string
	TenantID string
	AuthTime time.Time
	ACR      string
	AMR      []string
}

// AuthorizeInput is everything one authorization pass needs.
type AuthorizeInput struct {
	Request *AuthRequest
	Client  *clients.Client

	// SessionID comes from the authrim_session cookie; unsharded or
	// stale values read as no session.
	SessionID    string
	BrowserState string

	// Login stands in for a session on continuation when the client's
	// tenant profile forbids server-side sessions.
	Login *EphemeralLogin

	// DPoPProof is the DPoP header value; Method and RequestURL anchor
	// its htm/htu checks.
	DPoPProof  string
	Method     string
	RequestURL string

	// Confirmed is set on server-side continuation: a login, reauth, or
	// consent challenge completed this turn, so the corresponding prompt
	// is satisfied.
	Confirmed      bool
	ConfirmedStage string
}

// Flow is the authorization state machine.
type Flow struct {
	cfg        *config.Config
	codes      store.AuthCodeStore
	challenges store.ChallengeStore
	sessions   store.SessionStore
	directory  users.Directory
	issuer     *TokenIssuer
	router     *sharding.Router
	dpop       *dpop.Validator
}

// NewFlow builds the state machine.
func NewFlow(cfg *config.Config, codes store.AuthCodeStore, challenges store.ChallengeStore,
	sessions store.SessionStore, directory users.Directory, issuer *TokenIssuer,
	router *sharding.Router, dpopValidator *dpop.Validator) *Flow {
	return &Flow{
		cfg:        cfg,
		codes:      codes,
		challenges: challenges,
		sessions:   sessions,
		directory:  directory,
		issuer:     issuer,
		router:     router,
		dpop:       dpopValidator,
	}
}

// Authorize runs the decision ladder for a validated request.
func (f *Flow) Authorize(ctx context.Context, in *AuthorizeInput) *Outcome {
	req, client := in.Request, in.Client
	fail := func(e *AuthError) *Outcome {
		return &Outcome{Kind: OutcomeError, Err: e.WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode())}
	}

	// Clients of an AI-ephemeral tenant never get a session created or
	// bound on their behalf: the cookie is ignored, and on continuation
	// the ceremony's identity stands in without being persisted.
	stateless := f.cfg.ProfileFor(client.TenantID) == config.ProfileAIEphemeral
	var sess *store.Session
	switch {
	case stateless && in.Login != nil:
		sess = &store.Session{
			UserID:   in.Login.UserID,
			TenantID: in.Login.TenantID,
			AuthTime: in.Login.AuthTime,
			ACR:      in.Login.ACR,
			AMR:      in.Login.AMR,
		}
	case stateless:
		sess = nil
	default:
		sess = f.lookupSession(ctx, in.SessionID)
	}
	promptNone := req.Prompt == "none"

	// id_token_hint pins which user the client expects.
	if req.IDTokenHint != "" {
		hint, err := f.issuer.VerifyIDTokenHint(req.IDTokenHint)
		if err != nil {
			return fail(ErrInvalidRequest("id_token_hint verification failed").WithCause(err))
		}
		if sess != nil && sess.UserID != "" && hint.Subject != sess.UserID {
			if promptNone {
				return fail(ErrLoginRequired("signed-in user differs from id_token_hint"))
			}
			// A different user is signed in; force fresh login.
			sess = nil
		}
	}

	if promptNone {
		if sess == nil {
			return fail(ErrLoginRequired("no usable session"))
		}
		if sess.UserID == "" && !client.AllowAnonymousPromptNone {
			return fail(ErrLoginRequired("anonymous session not permitted for this client"))
		}
		if maxAgeStale(req, sess) {
			return fail(ErrLoginRequired("authentication is too old"))
		}
	}

	needsReauth := (req.Prompt == "login" || maxAgeStale(req, sess)) && sess != nil
	if needsReauth && !(in.Confirmed && (in.ConfirmedStage == StageReauth || in.ConfirmedStage == StageLogin)) {
		return f.park(ctx, req, StageReauth, sess.UserID)
	}

	if sess == nil {
		if promptNone {
			return fail(ErrLoginRequired("no usable session"))
		}
		return f.park(ctx, req, StageLogin, "")
	}

	// Consent.
	consentOK, err := f.consentSatisfied(ctx, sess.UserID, client, req)
	if err != nil {
		return fail(ErrServerError(err))
	}
	forceConsent := req.Prompt == "consent" && !(in.Confirmed && in.ConfirmedStage == StageConsent)
	if !consentOK || forceConsent {
		if in.Confirmed && in.ConfirmedStage == StageConsent && consentOK {
			// fresh grant recorded by the consent UI
		} else {
			if promptNone {
				return fail(ErrConsentRequired("consent has not been granted"))
			}
			return f.park(ctx, req, StageConsent, sess.UserID)
		}
	}

	// DPoP binding for the authorization code.
	jkt := req.DPoPJKT
	if in.DPoPProof != "" || client.DPoPBoundAccessTokens {
		if in.DPoPProof == "" {
			if f.cfg.Features.StrictDPoP {
				return fail(ErrInvalidDPoPProof("client requires DPoP but no proof was sent"))
			}
		} else {
			proof, perr := f.dpop.Validate(ctx, in.DPoPProof, in.Method, in.RequestURL, "")
			if perr != nil {
				if f.cfg.Features.StrictDPoP {
					return fail(ErrInvalidDPoPProof("proof validation failed").WithCause(perr))
				}
				logger.Warnw("ignoring invalid DPoP proof", "client_id", client.ID, "error", perr)
			} else {
				jkt = proof.JKT
			}
		}
	}

	return f.issue(ctx, req, client, sess, jkt, in.BrowserState)
}

func (f *Flow) lookupSession(ctx context.Context, sessionID string) *store.Session {
	if sessionID == "" {
		return nil
	}
	if _, ok := sharding.ShardOfID(sessionID); !ok {
		return nil
	}
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	return sess
}

// maxAgeStale reports whether the session's authentication is older than
// max_age. Elapsed time is compared in whole seconds, so max_age=0 within
// the same second is acceptable.
func maxAgeStale(req *AuthRequest, sess *store.Session) bool {
	if req.MaxAge == nil || sess == nil {
		return false
	}
	elapsed := int(time.Since(sess.AuthTime) / time.Second)
	return elapsed > *req.MaxAge
}

func (f *Flow) consentSatisfied(ctx context.Context, userID string, client *clients.Client, req *AuthRequest) (bool, error) {
	if client.SkipConsent {
		// Trusted client: record the grant once so logout enumeration and
		// consent listings stay truthful.
		if _, err := f.directory.GetConsent(ctx, userID, client.ID); err != nil {
			if !errors.Is(err, users.ErrConsentNotFound) {
				return false, err
			}
			if err := f.directory.GrantConsent(ctx, &users.Consent{
				UserID: userID, ClientID: client.ID, Scopes: req.Scopes(),
			}); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	consent, err := f.directory.GetConsent(ctx, userID, client.ID)
	if err != nil {
		if errors.Is(err, users.ErrConsentNotFound) {
			return false, nil
		}
		return false, err
	}
	return consent.Covers(req.Scopes()), nil
}

// park stores the request in a challenge and redirects to the stage's UI.
func (f *Flow) park(ctx context.Context, req *AuthRequest, stage, userID string) *Outcome {
	target := f.uiTarget(stage)
	if target == "" {
		return &Outcome{Kind: OutcomeError, Err: ErrServerError(errors.New("no UI configured for interaction stage " + stage))}
	}
	kind := store.ChallengeLogin
	if stage == StageConsent {
		kind = store.ChallengeConsent
	}
	id := sharding.NewChallengeID()
	challenge, err := store.NewChallenge(id, kind, &FlowSnapshot{
		Request: req, Stage: stage, UserID: userID,
	}, f.cfg.Lifetimes.Challenge)
	if err != nil {
		return &Outcome{Kind: OutcomeError, Err: ErrServerError(err)}
	}
	if err := f.challenges.Put(ctx, challenge); err != nil {
		return &Outcome{Kind: OutcomeError, Err: ErrServerError(err)}
	}

	sep := "?"
	if u, perr := url.Parse(target); perr == nil && u.RawQuery != "" {
		sep = "&"
	}
	kindOutcome := OutcomeLoginRedirect
	if stage == StageConsent {
		kindOutcome = OutcomeConsentRedirect
	}
	return &Outcome{
		Kind:        kindOutcome,
		ChallengeID: id,
		RedirectTo:  target + sep + "challenge_id=" + url.QueryEscape(id),
	}
}

func (f *Flow) uiTarget(stage string) string {
	if f.cfg.Features.ConformanceUI {
		switch stage {
		case StageReauth:
			return "/flow/confirm"
		case StageConsent:
			return "/auth/consent"
		default:
			return "/flow/login"
		}
	}
	switch stage {
	case StageReauth:
		if f.cfg.UI.ReauthURL != "" {
			return f.cfg.UI.ReauthURL
		}
		return f.cfg.UI.LoginURL
	case StageConsent:
		return f.cfg.UI.ConsentURL
	default:
		return f.cfg.UI.LoginURL
	}
}

// Resume consumes a parked challenge after the UI (or an authenticator)
// finished, and re-enters the machine with the prompt satisfied.
func (f *Flow) Resume(ctx context.Context, challengeID, sessionID string, client func(ctx context.Context, clientID string) (*clients.Client, error)) *Outcome {
	return f.resume(ctx, challengeID, &AuthorizeInput{SessionID: sessionID}, client)
}

// ResumeLogin re-enters the machine with the ceremony's identity in
// hand instead of a session id, for clients whose tenant profile keeps
// no server-side sessions.
func (f *Flow) ResumeLogin(ctx context.Context, challengeID string, login *EphemeralLogin, client func(ctx context.Context, clientID string) (*clients.Client, error)) *Outcome {
	return f.resume(ctx, challengeID, &AuthorizeInput{Login: login}, client)
}

func (f *Flow) resume(ctx context.Context, challengeID string, seed *AuthorizeInput, client func(ctx context.Context, clientID string) (*clients.Client, error)) *Outcome {
	challenge, err := f.challenges.Consume(ctx, challengeID, store.ChallengeLogin)
	if err != nil {
		challenge, err = f.challenges.Consume(ctx, challengeID, store.ChallengeConsent)
		if err != nil {
			return &Outcome{Kind: OutcomeError, Err: ErrInvalidRequest("challenge is invalid or expired")}
		}
	}
	snap, err := store.Snapshot[FlowSnapshot](challenge)
	if err != nil {
		return &Outcome{Kind: OutcomeError, Err: ErrInvalidRequest("challenge is invalid or expired")}
	}
	cl, err := client(ctx, snap.Request.ClientID)
	if err != nil {
		return &Outcome{Kind: OutcomeError, Err: ErrInvalidRequest("unknown client").WithCause(err)}
	}
	if seed.Login == nil && seed.SessionID == "" && snap.Stage == StageConsent && snap.UserID != "" {
		// Consent continuation for a session-less tenant: the parked
		// challenge is the only carrier of the authenticated identity.
		// Human tenants never consult Login, so this is inert for them.
		seed.Login = &EphemeralLogin{UserID: snap.UserID, TenantID: cl.TenantID, AuthTime: time.Now()}
	}
	seed.Request = snap.Request
	seed.Client = cl
	seed.Confirmed = true
	seed.ConfirmedStage = snap.Stage
	return f.Authorize(ctx, seed)
}

// PeekChallenge exposes the parked request for UI rendering (client name,
// requested scopes) without consuming it.
func (f *Flow) PeekChallenge(ctx context.Context, challengeID string) (*FlowSnapshot, error) {
	challenge, err := f.challenges.Peek(ctx, challengeID, store.ChallengeLogin)
	if err != nil {
		challenge, err = f.challenges.Peek(ctx, challengeID, store.ChallengeConsent)
		if err != nil {
			return nil, err
		}
	}
	return store.Snapshot[FlowSnapshot](challenge)
}

// issue composes the response parameters for the granted request.
func (f *Flow) issue(ctx context.Context, req *AuthRequest, client *clients.Client, sess *store.Session, jkt, browserState string) *Outcome {
	params := url.Values{}

	// Session-management artefacts only exist when a real session does;
	// an ephemeral identity (empty session id) gets neither a browser
	// state cookie nor a session_state.
	var sid, sessionState, newBrowserState string
	if sess.ID != "" {
		if browserState == "" {
			browserState = NewBrowserState()
			newBrowserState = browserState
		}
		sid = f.sidFor(sess, client)
		sessionState = ComputeSessionState(client.ID, req.RedirectURI, browserState)
	}

	var code, accessToken, idToken string
	var err error

	if req.HasResponseType("code") {
		shard := f.router.CodeShard(sess.UserID, client.ID, sess.ID)
		code = f.router.NewAuthCode(shard)
		now := time.Now()
		rec := &store.AuthCodeRecord{
			Code:          code,
			ClientID:      client.ID,
			UserID:        sess.UserID,
			TenantID:      sess.TenantID,
			SessionID:     sess.ID,
			RedirectURI:   req.RedirectURI,
			Scope:         req.Scope,
			Nonce:         req.Nonce,
			State:         req.State,
			CodeChallenge: req.CodeChallenge,
			AuthTime:      sess.AuthTime,
			ACR:           sess.ACR,
			AMR:           sess.AMR,
			DPoPJKT:       jkt,
			Audience:      req.Resources,
			SID:           sid,
			CreatedAt:     now,
			ExpiresAt:     now.Add(f.cfg.Lifetimes.AuthorizationCode),
		}
		if req.Claims != "" {
			rec.Claims = []byte(req.Claims)
		}
		if req.AuthorizationDetails != "" {
			rec.AuthzDetails = []byte(req.AuthorizationDetails)
		}
		if err = f.codes.Put(ctx, rec); err != nil {
			return &Outcome{Kind: OutcomeError, Err: ErrServerError(err).WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode())}
		}
		params.Set("code", code)
	}

	if req.HasResponseType("token") {
		accessToken, err = f.issuer.MintAccessToken(AccessTokenInput{
			Subject:  sess.UserID,
			ClientID: client.ID,
			Scope:    req.Scope,
			Audience: req.Resources,
			JKT:      jkt,
			SID:      sid,
		})
		if err != nil {
			return &Outcome{Kind: OutcomeError, Err: ErrServerError(err).WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode())}
		}
		params.Set("access_token", accessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", "3600")
		params.Set("scope", req.Scope)
	}

	if req.HasResponseType("id_token") {
		in := IDTokenInput{
			Subject:      sess.UserID,
			ClientID:     client.ID,
			Nonce:        req.Nonce,
			AuthTime:     sess.AuthTime,
			ACR:          sess.ACR,
			AMR:          sess.AMR,
			SID:          sid,
			Code:         code,
			AccessToken:  accessToken,
			SessionState: sessionState,
		}
		if req.ResponseType == "id_token" {
			in.ExtraClaims = f.pureIDTokenClaims(ctx, sess.UserID, req)
		}
		idToken, err = f.issuer.MintIDToken(in)
		if err != nil {
			return &Outcome{Kind: OutcomeError, Err: ErrServerError(err).WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode())}
		}
		params.Set("id_token", idToken)
	}

	if sessionState != "" {
		params.Set("session_state", sessionState)
	}

	// Record the RP against the session so logout can fan out. The
	// code-only path records at redemption instead, when tokens actually
	// exist.
	if sess.ID != "" && (req.HasResponseType("id_token") || req.HasResponseType("token")) {
		f.associate(ctx, sess.ID, client, sid)
	}

	return &Outcome{Kind: OutcomeIssued, Params: params, BrowserState: newBrowserState}
}

// sidFor reuses the session's existing per-client sid, minting one on
// first contact.
func (f *Flow) sidFor(sess *store.Session, client *clients.Client) string {
	for _, a := range sess.Associations {
		if a.ClientID == client.ID && a.SID != "" {
			return a.SID
		}
	}
	return sharding.NewChallengeID()
}

func (f *Flow) associate(ctx context.Context, sessionID string, client *clients.Client, sid string) {
	err := f.sessions.Associate(ctx, sessionID, store.ClientAssociation{
		ClientID:                  client.ID,
		SID:                       sid,
		FrontchannelLogoutURI:     client.FrontchannelLogoutURI,
		BackchannelLogoutURI:      client.BackchannelLogoutURI,
		FrontchannelSessionNeeded: client.FrontchannelLogoutSessionRequired,
		AssociatedAt:              time.Now(),
	})
	if err != nil {
		logger.Warnw("recording session-client association failed", "client_id", client.ID, "error", err)
	}
}

// pureIDTokenClaims merges scope-based claims with essential claims from
// the claims parameter, for response_type=id_token only.
func (f *Flow) pureIDTokenClaims(ctx context.Context, userID string, req *AuthRequest) map[string]any {
	out := f.issuer.ScopeClaims(ctx, userID, req.Scopes())
	if req.Claims == "" {
		return out
	}
	profile, err := f.directory.GetProfile(ctx, userID)
	if err != nil {
		return out
	}
	if out == nil {
		out = make(map[string]any)
	}
	gjson.Get(req.Claims, "id_token").ForEach(func(key, value gjson.Result) bool {
		if !value.Get("essential").Bool() {
			return true
		}
		switch key.String() {
		case "email":
			if profile.Email != "" {
				out["email"] = profile.Email
				out["email_verified"] = profile.EmailVerified
			}
		case "name":
			if profile.Name != "" {
				out["name"] = profile.Name
			}
		case "phone_number":
			if profile.PhoneNumber != "" {
				out["phone_number"] = profile.PhoneNumber
			}
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
