package services

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// JWSVerifier verifies Apple-signed JWS payloads (App Store Server
// Notifications V2 and the signed transaction/renewal info nested inside
// them) against the certificate chain carried in the x5c header.
type JWSVerifier struct {
	certCache map[string]*x509.Certificate
	mutex     sync.RWMutex
}

// NewJWSVerifier creates a new verifier with an empty certificate cache.
func NewJWSVerifier() *JWSVerifier {
	return &JWSVerifier{
		certCache: make(map[string]*x509.Certificate),
	}
}

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5C []string `json:"x5c"`
}

// VerifyAndDecode verifies the JWS signature and certificate chain, then
// unmarshals the payload into out. Every signed payload on the webhook path
// goes through here - nested payloads are not trusted transitively.
func (v *JWSVerifier) VerifyAndDecode(token string, out interface{}) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid JWS format: expected 3 parts, got %d", len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("failed to decode JWS header: %w", err)
	}

	var header jwsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fmt.Errorf("failed to parse JWS header: %w", err)
	}
	if header.Alg != "ES256" {
		return fmt.Errorf("unexpected JWS algorithm: %s", header.Alg)
	}
	if len(header.X5C) == 0 {
		return fmt.Errorf("JWS header is missing x5c certificate chain")
	}

	certChain, err := v.certificateChain(header.X5C)
	if err != nil {
		return fmt.Errorf("failed to parse certificate chain: %w", err)
	}

	if err := verifyCertificateChain(certChain); err != nil {
		return fmt.Errorf("failed to verify certificate chain: %w", err)
	}

	if err := verifySignature(parts[0]+"."+parts[1], parts[2], certChain[0]); err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode JWS payload: %w", err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal JWS payload: %w", err)
	}
	return nil
}

// certificateChain parses the base64 DER certificates from the x5c header,
// leaf first, caching parsed certificates across notifications.
func (v *JWSVerifier) certificateChain(x5c []string) ([]*x509.Certificate, error) {
	certificates := make([]*x509.Certificate, 0, len(x5c))

	for _, certB64 := range x5c {
		v.mutex.RLock()
		cached, exists := v.certCache[certB64]
		v.mutex.RUnlock()
		if exists {
			certificates = append(certificates, cached)
			continue
		}

		der, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		v.mutex.Lock()
		v.certCache[certB64] = cert
		v.mutex.Unlock()

		certificates = append(certificates, cert)
	}

	return certificates, nil
}

// verifyCertificateChain checks validity windows, that each certificate is
// signed by its parent, and that the chain terminates at an Apple root.
func verifyCertificateChain(certChain []*x509.Certificate) error {
	if len(certChain) == 0 {
		return fmt.Errorf("empty certificate chain")
	}

	now := time.Now()
	for i, cert := range certChain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}
		if i+1 < len(certChain) {
			if err := certChain[i].CheckSignatureFrom(certChain[i+1]); err != nil {
				return fmt.Errorf("certificate %d signature verification failed: %w", i, err)
			}
		}
	}

	rootCert := certChain[len(certChain)-1]
	if !isAppleRootCertificate(rootCert) {
		return fmt.Errorf("invalid root certificate: not from Apple")
	}

	return nil
}

// isAppleRootCertificate checks the root certificate subject
func isAppleRootCertificate(cert *x509.Certificate) bool {
	appleSubjects := []string{
		"Apple Root CA",
		"Apple Inc.",
		"Apple Computer, Inc.",
	}

	for _, subject := range appleSubjects {
		if strings.Contains(cert.Subject.String(), subject) {
			return true
		}
	}

	return false
}

// verifySignature checks the ES256 signature over signingInput with the leaf
// certificate's ECDSA public key. JWS signatures are raw r||s, 64 bytes.
func verifySignature(signingInput, signatureB64 string, leaf *x509.Certificate) error {
	signatureBytes, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(signatureBytes) != 64 {
		return fmt.Errorf("invalid signature length: expected 64, got %d", len(signatureBytes))
	}

	publicKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain ECDSA public key")
	}

	hash := sha256.Sum256([]byte(signingInput))
	r := new(big.Int).SetBytes(signatureBytes[:32])
	s := new(big.Int).SetBytes(signatureBytes[32:])

	if !ecdsa.Verify(publicKey, hash[:], r, s) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// DecodeJWSPayload unmarshals a JWS payload without checking its signature.
// Only used on the direct validation path, where the payload was fetched
// over TLS from the App Store Server API rather than delivered by a caller.
func DecodeJWSPayload(token string, out interface{}) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid JWS format: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode JWS payload: %w", err)
	}

	return json.Unmarshal(payload, out)
}
