// Package webhook authenticates provider callbacks by their body digest.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

const (
	HeaderDigest          = "X-Payload-Digest"
	HeaderDigestAlgorithm = "X-Payload-Digest-Alg"

	// MaxBodyBytes caps the raw body read before verification.
	MaxBodyBytes = 1 << 20
)

// Digest names the HMAC algorithm the provider signs with.
type Digest string

const (
	DigestSHA1   Digest = "HMAC_SHA1_HEX"
	DigestSHA256 Digest = "HMAC_SHA256_HEX"
	DigestSHA512 Digest = "HMAC_SHA512_HEX"
)

// ParseDigest accepts the provider's algorithm names. Empty selects SHA1.
func ParseDigest(s string) (Digest, error) {
	switch d := Digest(strings.ToUpper(strings.TrimSpace(s))); d {
	case "":
		return DigestSHA1, nil
	case DigestSHA1, DigestSHA256, DigestSHA512:
		return d, nil
	}
	return "", errors.New("unsupported webhook digest " + s)
}

func (d Digest) hash() func() hash.Hash {
	switch d {
	case DigestSHA256:
		return sha256.New
	case DigestSHA512:
		return sha512.New
	default:
		return sha1.New
	}
}

// Verifier checks webhook signatures with a secret distinct from the token secret.
type Verifier struct {
	secret []byte
	digest Digest
}

func NewVerifier(secret string, digest Digest) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if digest == "" {
		digest = DigestSHA1
	}
	if _, err := ParseDigest(string(digest)); err != nil {
		return nil, err
	}
	return &Verifier{secret: []byte(secret), digest: digest}, nil
}

func (v *Verifier) Digest() Digest { return v.digest }

// Sign returns the hex digest of body.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.mac(body))
}

// Verify reports whether signature is the hex HMAC of the exact body bytes.
// A missing signature is never valid.
func (v *Verifier) Verify(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(v.mac(body), provided)
}

// AcceptsAlgorithm reports whether a declared algorithm header matches the
// configured digest. An absent header is accepted.
func (v *Verifier) AcceptsAlgorithm(declared string) bool {
	declared = strings.TrimSpace(declared)
	return declared == "" || strings.EqualFold(declared, string(v.digest))
}

func (v *Verifier) mac(body []byte) []byte {
	h := hmac.New(v.digest.hash(), v.secret)
	h.Write(body)
	return h.Sum(nil)
}
