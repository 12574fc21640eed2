// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package samlsp bridges an upstream SAML identity provider into the local
// session layer: it issues AuthnRequests, consumes signed responses at the
// ACS, and provisions users from asserted attributes.
package samlsp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	xmlvalidator "github.com/mattermost/xml-roundtrip-validator"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// IdentityProvider is the provider tag for SAML-linked identities.
const IdentityProvider = "saml"

const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// ErrAssertionInvalid covers every response rejection uniformly so the
// caller cannot leak which check failed to the user agent.
var ErrAssertionInvalid = errors.New("SAML assertion rejected")

// Service is the SAML service provider.
type Service struct {
	cfg        *config.Config
	sp         *saml2.SAMLServiceProvider
	spCert     *x509.Certificate
	challenges store.ChallengeStore
	sessions   store.SessionStore
	directory  users.Directory
	replay     store.ReplayStore
	router     *sharding.Router
}

// New builds the service from the configured IdP trust anchors.
func New(cfg *config.Config, challenges store.ChallengeStore, sessions store.SessionStore,
	directory users.Directory, replay store.ReplayStore, router *sharding.Router) (*Service, error) {
	roots, err := parseCertificates(cfg.SAML.IDPCertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing IdP certificates: %w", err)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("saml.idp_certificate_pem holds no certificates")
	}

	keyStore, spCert, err := spKeyStore(cfg)
	if err != nil {
		return nil, err
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SAML.IDPSSOURL,
		IdentityProviderIssuer:      cfg.SAML.IDPIssuer,
		AssertionConsumerServiceURL: cfg.SAML.ACSURL,
		ServiceProviderIssuer:       cfg.SAML.EntityID,
		AudienceURI:                 cfg.SAML.EntityID,
		SignAuthnRequests:           cfg.SAML.SignRequests,
		NameIdFormat:                cfg.SAML.NameIDFormat,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: roots},
		SPKeyStore:                  keyStore,
	}
	return &Service{
		cfg:        cfg,
		sp:         sp,
		spCert:     spCert,
		challenges: challenges,
		sessions:   sessions,
		directory:  directory,
		replay:     replay,
		router:     router,
	}, nil
}

func parseCertificates(pemData string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(pemData)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
}

// spKeyStore loads the SP signing credentials, falling back to a
// throwaway key when none are configured (unsigned requests only).
func spKeyStore(cfg *config.Config) (dsig.X509KeyStore, *x509.Certificate, error) {
	if cfg.SAML.SPCertificatePEM == "" || cfg.SAML.SPKeyPEM == "" {
		if cfg.SAML.SignRequests {
			return nil, nil, fmt.Errorf("saml.sign_requests needs sp_certificate_pem and sp_key_pem")
		}
		return dsig.RandomKeyStoreForTest(), nil, nil
	}
	pair, err := tls.X509KeyPair([]byte(cfg.SAML.SPCertificatePEM), []byte(cfg.SAML.SPKeyPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("loading SP key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing SP certificate: %w", err)
	}
	return dsig.TLSCertKeyStore(pair), cert, nil
}

// samlState is the challenge snapshot parked per outbound AuthnRequest.
type samlState struct {
	ReturnTo string `json:"return_to,omitempty"`
}

// LoginRedirect is the outbound leg of the ceremony.
type LoginRedirect struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id"`
}

// StartLogin builds an AuthnRequest, parks its id for the InResponseTo
// check, and returns the redirect to the IdP. returnTo is carried
// server-side and handed back when the response arrives.
func (s *Service) StartLogin(ctx context.Context, returnTo string) (*LoginRedirect, error) {
	doc, err := s.sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, fmt.Errorf("building AuthnRequest: %w", err)
	}
	requestID := doc.Root().SelectAttrValue("ID", "")
	if requestID == "" {
		return nil, fmt.Errorf("AuthnRequest has no ID")
	}

	challenge, err := store.NewChallenge(requestID, store.ChallengeSAML,
		&samlState{ReturnTo: returnTo}, s.cfg.Lifetimes.Challenge)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, err
	}

	// RelayState echoes the request id so the ACS can correlate even when
	// the IdP strips InResponseTo (lax deployments).
	url, err := s.sp.BuildAuthURLFromDocument(requestID, doc)
	if err != nil {
		return nil, fmt.Errorf("encoding AuthnRequest redirect: %w", err)
	}
	return &LoginRedirect{URL: url, RequestID: requestID}, nil
}

// Login is a completed inbound assertion.
type Login struct {
	Session      *store.Session
	NameID       string
	SessionIndex string
	ReturnTo     string
}

// ConsumeResponse validates a base64 SAMLResponse delivered to the ACS and
// signs the asserted user in. Validation order: XML safety, envelope
// checks (Destination, Status, InResponseTo), then signature and
// conditions via the SAML library, then assertion replay.
func (s *Service) ConsumeResponse(ctx context.Context, encodedResponse, relayState string) (*Login, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return nil, s.reject("response is not valid base64", err)
	}
	if err := guardXML(raw); err != nil {
		return nil, s.reject("response failed XML safety checks", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, s.reject("response is not well-formed XML", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, s.reject("response has no root element", nil)
	}

	if dest := root.SelectAttrValue("Destination", ""); dest != "" && dest != s.cfg.SAML.ACSURL {
		return nil, s.reject("response Destination does not match the ACS URL", nil)
	}
	if code := statusCode(root); code != statusSuccess {
		return nil, s.reject("IdP reported non-success status "+code, nil)
	}

	state, err := s.resolveRequest(ctx, root.SelectAttrValue("InResponseTo", ""), relayState)
	if err != nil {
		return nil, err
	}

	info, err := s.sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, s.reject("assertion validation failed", err)
	}
	if info.WarningInfo.InvalidTime {
		return nil, s.reject("assertion is outside its validity window", nil)
	}
	if info.WarningInfo.NotInAudience {
		return nil, s.reject("assertion audience does not include this SP", nil)
	}
	if info.NameID == "" {
		return nil, s.reject("assertion carries no NameID", nil)
	}

	if err := s.markAssertions(ctx, root); err != nil {
		return nil, err
	}

	user, err := s.userForNameID(ctx, info.NameID, info.Values)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &store.Session{
		ID:        s.router.NewSessionID(),
		UserID:    user.ID,
		TenantID:  user.TenantID,
		AuthTime:  now,
		AMR:       []string{"saml"},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetimes.Session),
	}
	if info.AuthnInstant != nil {
		sess.AuthTime = *info.AuthnInstant
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	login := &Login{Session: sess, NameID: info.NameID, SessionIndex: info.SessionIndex}
	if state != nil {
		login.ReturnTo = state.ReturnTo
	}
	return login, nil
}

// resolveRequest consumes the parked AuthnRequest challenge. Strict mode
// rejects unsolicited responses and unknown ids; lax mode logs and
// continues without continuation state.
func (s *Service) resolveRequest(ctx context.Context, inResponseTo, relayState string) (*samlState, error) {
	id := inResponseTo
	if id == "" && !s.cfg.SAML.StrictInResponseTo {
		// Lax-mode only: some IdPs strip InResponseTo, so the request id
		// echoed through RelayState is the remaining correlation handle.
		id = relayState
	}
	if id == "" {
		if s.cfg.SAML.StrictInResponseTo {
			return nil, s.reject("unsolicited response without InResponseTo", nil)
		}
		logger.Warnw("accepting unsolicited SAML response in lax mode")
		return nil, nil
	}
	challenge, err := s.challenges.Consume(ctx, id, store.ChallengeSAML)
	if err != nil {
		if s.cfg.SAML.StrictInResponseTo {
			return nil, s.reject("InResponseTo does not match a pending request", err)
		}
		logger.Warnw("SAML response references unknown request, continuing in lax mode", "in_response_to", id)
		return nil, nil
	}
	state, err := store.Snapshot[samlState](challenge)
	if err != nil {
		return nil, s.reject("corrupt request state", err)
	}
	return state, nil
}

// markAssertions records every assertion id in the replay store. The TTL
// covers the longest window an IdP could legitimately reissue within.
func (s *Service) markAssertions(ctx context.Context, root *etree.Element) error {
	ids := assertionIDs(root)
	if len(ids) == 0 {
		return s.reject("response carries no assertion", nil)
	}
	ttl := s.cfg.Lifetimes.Challenge + 2*s.cfg.SAML.ClockSkew
	for _, id := range ids {
		if err := s.replay.MarkOnce(ctx, "saml:assertion:"+id, ttl); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return s.reject("assertion replayed", nil)
			}
			return err
		}
	}
	return nil
}

func (s *Service) userForNameID(ctx context.Context, nameID string, values saml2.Values) (*users.User, error) {
	user, err := s.directory.FindByIdentity(ctx, IdentityProvider, nameID)
	if err != nil {
		if !errors.Is(err, users.ErrIdentityNotFound) {
			return nil, err
		}
		user, err = s.directory.CreateUser(ctx, "default")
		if err != nil {
			return nil, err
		}
		if lerr := s.directory.LinkIdentity(ctx, &users.LinkedIdentity{
			UserID:   user.ID,
			Provider: IdentityProvider,
			Subject:  nameID,
			LinkedAt: time.Now(),
		}); lerr != nil {
			return nil, lerr
		}
	}

	if profile := s.mapAttributes(user.ID, values); profile != nil {
		if uerr := s.directory.UpsertProfile(ctx, profile); uerr != nil {
			logger.Warnw("failed to update profile from SAML attributes", "error", uerr)
		}
	}
	return user, nil
}

// mapAttributes projects asserted attributes onto the profile through the
// configured mapping. Returns nil when nothing mapped.
func (s *Service) mapAttributes(userID string, values saml2.Values) *users.Profile {
	mapping := s.cfg.SAML.AttributeMapping
	get := func(field string) string {
		attr, ok := mapping[field]
		if !ok {
			return ""
		}
		return values.Get(attr)
	}

	profile := &users.Profile{
		UserID:     userID,
		Email:      get("email"),
		Name:       get("name"),
		GivenName:  get("given_name"),
		FamilyName: get("family_name"),
	}
	if profile.Email == "" && profile.Name == "" && profile.GivenName == "" && profile.FamilyName == "" {
		return nil
	}
	// The IdP asserted the address; treat it as verified.
	profile.EmailVerified = profile.Email != ""
	return profile
}

func (s *Service) reject(reason string, cause error) error {
	if cause != nil {
		logger.Debugw("rejecting SAML response", "reason", reason, "error", cause)
	} else {
		logger.Debugw("rejecting SAML response", "reason", reason)
	}
	return ErrAssertionInvalid
}

// guardXML rejects documents with DTD constructs and anything the XML
// round-trip validator flags, before any namespace-aware parsing runs.
func guardXML(raw []byte) error {
	lower := bytes.ToLower(raw)
	for _, marker := range []string{"<!doctype", "<!entity", "<!element", "<!attlist"} {
		if bytes.Contains(lower, []byte(marker)) {
			return fmt.Errorf("document declares a DTD")
		}
	}
	if err := xmlvalidator.Validate(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("round-trip validation: %w", err)
	}
	return nil
}

// statusCode returns the innermost StatusCode Value.
func statusCode(root *etree.Element) string {
	code := ""
	walk(root, func(el *etree.Element) {
		if el.Tag == "StatusCode" {
			if v := el.SelectAttrValue("Value", ""); v != "" {
				code = v
			}
		}
	})
	return code
}

// assertionIDs collects the ID attribute of every Assertion element.
func assertionIDs(root *etree.Element) []string {
	var ids []string
	walk(root, func(el *etree.Element) {
		if el.Tag == "Assertion" {
			if id := el.SelectAttrValue("ID", ""); id != "" {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

func walk(el *etree.Element, fn func(*etree.Element)) {
	fn(el)
	for _, child := range el.ChildElements() {
		walk(child, fn)
	}
}
