// Package dpop provides a ready-made DPoP proof generator (RFC 9449) that
// plugs into the engine's ProofGenerator capability. Callers with bespoke key
// handling can implement the interface themselves; this package covers the
// common case of an in-process signing key.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	openidclient "github.com/siriuscor/node-openid-client"
)

// Generator produces DPoP proof JWTs from the key material handed to it per
// call. It implements openidclient.ProofGenerator.
type Generator struct{}

// NewGenerator creates a proof generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Proof creates a DPoP proof for the payload, signed with key. The nonce and
// access token are bound into the claims when present.
func (g *Generator) Proof(payload openidclient.ProofPayload, key crypto.Signer, accessToken string) (string, error) {
	return GenerateProof(key, payload.Method, payload.URL, payload.Nonce, accessToken)
}

// proofClaims is the DPoP claim set. The nonce echoes the server-issued
// replay-protection token; ath binds the proof to an access token.
type proofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
	ATH   string `json:"ath,omitempty"`
}

// GenerateProof creates a DPoP proof JWT for an HTTP request.
//
// Per RFC 9449 the proof contains:
//   - Header: typ="dpop+jwt", alg derived from the key, jwk with the public key
//   - Payload: jti (unique ID), htm (HTTP method, exact case), htu (normalized
//     URI), iat, plus nonce and ath when provided
func GenerateProof(key crypto.Signer, method, uri, nonce, accessToken string) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}

	normalizedURI, err := NormalizeURI(uri)
	if err != nil {
		return "", fmt.Errorf("failed to normalize URI: %w", err)
	}

	alg, err := signatureAlgorithm(key)
	if err != nil {
		return "", err
	}

	jwk := jose.JSONWebKey{
		Key:       key.Public(),
		Algorithm: string(alg),
	}
	signerOpts := (&jose.SignerOptions{}).WithType("dpop+jwt").WithHeader("jwk", jwk)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := proofClaims{
		JTI:   uuid.New().String(),
		HTM:   method,
		HTU:   normalizedURI,
		IAT:   time.Now().Unix(),
		Nonce: nonce,
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims.ATH = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize proof: %w", err)
	}

	return proof, nil
}

// signatureAlgorithm derives the JOSE algorithm from the key type.
func signatureAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.Public().(type) {
	case ed25519.PublicKey:
		return jose.EdDSA, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
	case *rsa.PublicKey:
		return jose.PS256, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", k)
	}
}

// NormalizeURI normalizes a URI per RFC 9449 Section 4.2:
//   - Lowercase scheme and host
//   - Keep path exactly as-is
//   - Remove query string and fragment
//   - Remove default port (443 for https, 80 for http)
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())

	port := parsed.Port()
	if port != "" {
		isDefaultPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefaultPort {
			host = host + ":" + port
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}

// Ensure Generator implements the engine capability.
var _ openidclient.ProofGenerator = (*Generator)(nil)
