// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package samlsp

import (
	"encoding/base64"

	"github.com/beevik/etree"
)

const (
	nsMetadata    = "urn:oasis:names:tc:SAML:2.0:metadata"
	nsXMLDsig     = "http://www.w3.org/2000/09/xmldsig#"
	bindingPost   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	protocolSAML2 = "urn:oasis:names:tc:SAML:2.0:protocol"
)

// Metadata renders the SP EntityDescriptor document IdP operators import.
func (s *Service) Metadata() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", nsMetadata)
	entity.CreateAttr("entityID", s.cfg.SAML.EntityID)

	sp := entity.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("protocolSupportEnumeration", protocolSAML2)
	sp.CreateAttr("AuthnRequestsSigned", boolAttr(s.cfg.SAML.SignRequests))
	sp.CreateAttr("WantAssertionsSigned", "true")

	if s.spCert != nil {
		key := sp.CreateElement("md:KeyDescriptor")
		key.CreateAttr("use", "signing")
		keyInfo := key.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", nsXMLDsig)
		cert := keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate")
		cert.SetText(base64.StdEncoding.EncodeToString(s.spCert.Raw))
	}

	if s.cfg.SAML.NameIDFormat != "" {
		sp.CreateElement("md:NameIDFormat").SetText(s.cfg.SAML.NameIDFormat)
	}

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", bindingPost)
	acs.CreateAttr("Location", s.cfg.SAML.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
