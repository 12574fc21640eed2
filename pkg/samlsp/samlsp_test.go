// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package samlsp

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

const (
	testACSURL    = "https://op.example.com/saml/sp/acs"
	testEntityID  = "https://op.example.com/saml/sp"
	testIDPSSOURL = "https://idp.example.com/sso"
	testIDPIssuer = "https://idp.example.com"
)

type samlFixture struct {
	svc         *Service
	cfg         *config.Config
	directory   *users.MemoryDirectory
	idpKeyStore dsig.X509KeyStore
}

func newSAMLFixture(t *testing.T) *samlFixture {
	t.Helper()

	idpKeyStore := dsig.RandomKeyStoreForTest()
	_, certDER, err := idpKeyStore.GetKeyPair()
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cfg := config.Default()
	cfg.IssuerURL = "https://op.example.com"
	cfg.SAML.Enabled = true
	cfg.SAML.ACSURL = testACSURL
	cfg.SAML.EntityID = testEntityID
	cfg.SAML.IDPSSOURL = testIDPSSOURL
	cfg.SAML.IDPIssuer = testIDPIssuer
	cfg.SAML.IDPCertificatePEM = string(certPEM)

	challenges := store.NewMemoryChallengeStore(2)
	sessions := store.NewMemorySessionStore(2)
	t.Cleanup(func() {
		challenges.Close()
		sessions.Close()
	})
	directory := users.NewMemoryDirectory()
	svc, err := New(cfg, challenges, sessions, directory,
		store.NewMemoryReplayStore(), sharding.NewRouter(2, "us", 1))
	require.NoError(t, err)
	return &samlFixture{svc: svc, cfg: cfg, directory: directory, idpKeyStore: idpKeyStore}
}

type responseOpts struct {
	inResponseTo string
	destination  string
	status       string
	audience     string
	nameID       string
	notBefore    time.Time
	notOnOrAfter time.Time
	attrs        map[string]string
	unsigned     bool
}

// buildResponse assembles and signs a SAML response the way the
// configured IdP would.
func (f *samlFixture) buildResponse(t *testing.T, opts responseOpts) string {
	t.Helper()
	now := time.Now().UTC()
	if opts.destination == "" {
		opts.destination = testACSURL
	}
	if opts.status == "" {
		opts.status = statusSuccess
	}
	if opts.audience == "" {
		opts.audience = testEntityID
	}
	if opts.nameID == "" {
		opts.nameID = "idp-user-1"
	}
	if opts.notBefore.IsZero() {
		opts.notBefore = now.Add(-5 * time.Minute)
	}
	if opts.notOnOrAfter.IsZero() {
		opts.notOnOrAfter = now.Add(5 * time.Minute)
	}
	instant := now.Format("2006-01-02T15:04:05Z")

	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	resp.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	resp.CreateAttr("ID", "_resp_"+uuid.NewString())
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", instant)
	resp.CreateAttr("Destination", opts.destination)
	if opts.inResponseTo != "" {
		resp.CreateAttr("InResponseTo", opts.inResponseTo)
	}
	resp.CreateElement("saml:Issuer").SetText(testIDPIssuer)
	resp.CreateElement("samlp:Status").
		CreateElement("samlp:StatusCode").
		CreateAttr("Value", opts.status)

	assertion := resp.CreateElement("saml:Assertion")
	assertion.CreateAttr("ID", "_assert_"+uuid.NewString())
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", instant)
	assertion.CreateElement("saml:Issuer").SetText(testIDPIssuer)

	subject := assertion.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent")
	nameID.SetText(opts.nameID)
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", "urn:oasis:names:tc:SAML:2.0:cm:bearer")
	scd := confirmation.CreateElement("saml:SubjectConfirmationData")
	scd.CreateAttr("Recipient", testACSURL)
	scd.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format("2006-01-02T15:04:05Z"))
	if opts.inResponseTo != "" {
		scd.CreateAttr("InResponseTo", opts.inResponseTo)
	}

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", opts.notBefore.Format("2006-01-02T15:04:05Z"))
	conditions.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format("2006-01-02T15:04:05Z"))
	conditions.CreateElement("saml:AudienceRestriction").
		CreateElement("saml:Audience").SetText(opts.audience)

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", instant)
	authnStatement.CreateAttr("SessionIndex", "idp-session-1")
	authnStatement.CreateElement("saml:AuthnContext").
		CreateElement("saml:AuthnContextClassRef").
		SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport")

	if len(opts.attrs) > 0 {
		statement := assertion.CreateElement("saml:AttributeStatement")
		for name, value := range opts.attrs {
			attr := statement.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			attr.CreateElement("saml:AttributeValue").SetText(value)
		}
	}

	root := resp
	if !opts.unsigned {
		signingCtx := dsig.NewDefaultSigningContext(f.idpKeyStore)
		signed, err := signingCtx.SignEnveloped(resp)
		require.NoError(t, err)
		root = signed
	}
	out := etree.NewDocument()
	out.SetRoot(root)
	raw, err := out.WriteToBytes()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestStartLogin(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)
	ctx := context.Background()

	redirect, err := f.svc.StartLogin(ctx, "/flow/confirm?challenge_id=abc")
	require.NoError(t, err)
	require.NotEmpty(t, redirect.RequestID)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
	assert.Equal(t, redirect.RequestID, u.Query().Get("RelayState"))
}

func TestConsumeResponseSignsUserIn(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)
	ctx := context.Background()

	redirect, err := f.svc.StartLogin(ctx, "/resume-here")
	require.NoError(t, err)

	encoded := f.buildResponse(t, responseOpts{
		inResponseTo: redirect.RequestID,
		nameID:       "idp-user-42",
		attrs: map[string]string{
			"mail":        "ada@example.com",
			"displayName": "Ada Lovelace",
		},
	})
	login, err := f.svc.ConsumeResponse(ctx, encoded, redirect.RequestID)
	require.NoError(t, err)
	require.NotNil(t, login.Session)
	assert.Equal(t, "idp-user-42", login.NameID)
	assert.Equal(t, "idp-session-1", login.SessionIndex)
	assert.Equal(t, "/resume-here", login.ReturnTo)
	assert.Contains(t, login.Session.AMR, "saml")

	profile, err := f.directory.GetProfile(ctx, login.Session.UserID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.True(t, profile.EmailVerified)
	assert.Equal(t, "Ada Lovelace", profile.Name)

	// A second login with the same NameID lands on the same account.
	redirect2, err := f.svc.StartLogin(ctx, "")
	require.NoError(t, err)
	encoded2 := f.buildResponse(t, responseOpts{
		inResponseTo: redirect2.RequestID,
		nameID:       "idp-user-42",
	})
	login2, err := f.svc.ConsumeResponse(ctx, encoded2, redirect2.RequestID)
	require.NoError(t, err)
	assert.Equal(t, login.Session.UserID, login2.Session.UserID)
}

func TestConsumeResponseReplay(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)
	f.cfg.SAML.StrictInResponseTo = false
	ctx := context.Background()

	// Unsolicited responses are tolerated in lax mode, but each assertion
	// is still single-use.
	encoded := f.buildResponse(t, responseOpts{nameID: "idp-user-7"})
	_, err := f.svc.ConsumeResponse(ctx, encoded, "")
	require.NoError(t, err)

	_, err = f.svc.ConsumeResponse(ctx, encoded, "")
	assert.ErrorIs(t, err, ErrAssertionInvalid)
}

func TestStrictModeIgnoresRelayStateFallback(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)
	f.cfg.SAML.StrictInResponseTo = true
	ctx := context.Background()

	redirect, err := f.svc.StartLogin(ctx, "/after")
	require.NoError(t, err)

	// The IdP stripped InResponseTo; in strict mode the request id echoed
	// through RelayState must not stand in for it.
	encoded := f.buildResponse(t, responseOpts{nameID: "idp-user-9"})
	_, err = f.svc.ConsumeResponse(ctx, encoded, redirect.RequestID)
	assert.ErrorIs(t, err, ErrAssertionInvalid)
}

func TestConsumeResponseRejections(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)
	ctx := context.Background()

	solicited := func(t *testing.T) string {
		redirect, err := f.svc.StartLogin(ctx, "")
		require.NoError(t, err)
		return redirect.RequestID
	}

	t.Run("not base64", func(t *testing.T) {
		_, err := f.svc.ConsumeResponse(ctx, "!!not-base64!!", "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("doctype smuggling", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString(
			[]byte(`<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><Response/>`))
		_, err := f.svc.ConsumeResponse(ctx, payload, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("wrong destination", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			destination:  "https://evil.example.com/acs",
		})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("non-success status", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			status:       "urn:oasis:names:tc:SAML:2.0:status:Responder",
		})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("unsolicited rejected in strict mode", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("unknown InResponseTo", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{inResponseTo: "_no_such_request"})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("unsigned response", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			unsigned:     true,
		})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("tampered after signing", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			attrs:        map[string]string{"mail": "ada@example.com"},
		})
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		tampered := strings.Replace(string(raw), "ada@example.com", "eve@example.com", 1)
		_, err = f.svc.ConsumeResponse(ctx, base64.StdEncoding.EncodeToString([]byte(tampered)), "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			audience:     "https://other-sp.example.com",
		})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})

	t.Run("expired conditions", func(t *testing.T) {
		encoded := f.buildResponse(t, responseOpts{
			inResponseTo: solicited(t),
			notBefore:    time.Now().UTC().Add(-time.Hour),
			notOnOrAfter: time.Now().UTC().Add(-30 * time.Minute),
		})
		_, err := f.svc.ConsumeResponse(ctx, encoded, "")
		assert.ErrorIs(t, err, ErrAssertionInvalid)
	})
}

func TestGuardXML(t *testing.T) {
	t.Parallel()
	assert.NoError(t, guardXML([]byte(`<Response><Assertion/></Response>`)))
	assert.Error(t, guardXML([]byte(`<!DOCTYPE r []><Response/>`)))
	assert.Error(t, guardXML([]byte(`<!doctype r><Response/>`)))
	assert.Error(t, guardXML([]byte(`<!ENTITY xxe "boom"><Response/>`)))
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	f := newSAMLFixture(t)

	md, err := f.svc.Metadata()
	require.NoError(t, err)
	s := string(md)
	assert.Contains(t, s, testEntityID)
	assert.Contains(t, s, testACSURL)
	assert.Contains(t, s, `WantAssertionsSigned="true"`)
	assert.Contains(t, s, "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
}

func TestNewRequiresIdPCertificate(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.SAML.IDPCertificatePEM = ""
	challenges := store.NewMemoryChallengeStore(1)
	sessions := store.NewMemorySessionStore(1)
	t.Cleanup(func() {
		challenges.Close()
		sessions.Close()
	})
	_, err := New(cfg, challenges, sessions, users.NewMemoryDirectory(),
		store.NewMemoryReplayStore(), sharding.NewRouter(1, "us", 1))
	assert.Error(t, err)
}
