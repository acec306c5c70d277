// Package signing provides the receipt signer and the signing identity
// directory. Signatures are ECDSA P-256 over a SHA-256 digest, encoded as
// base64, so receipts remain verifiable against the published public key.
package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/concord-lab/concord-ledger/internal/command"
	"github.com/concord-lab/concord-ledger/internal/core/canonical"
)

// SignatureAlgorithm identifies the signature scheme on every receipt.
const SignatureAlgorithm = "ecdsa-p256-sha256"

var digestHexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// KeyMetadata describes a signing key as exposed to identity provisioning.
type KeyMetadata struct {
	KeyRef       string
	PublicKeyPEM string
	PublicKeyID  string
}

// LocalSigner signs digests with in-process ECDSA P-256 keys, keyed by an
// opaque key reference. Keys are generated on first use.
type LocalSigner struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// NewLocalSigner creates an empty signer.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *LocalSigner) keyFor(keyRef string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[keyRef]; ok {
		return key, nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key %q: %w", keyRef, err)
	}
	s.keys[keyRef] = key
	return key, nil
}

// HashCanonical returns the hex SHA-256 of the canonical encoding of value.
func (s *LocalSigner) HashCanonical(value interface{}) (string, error) {
	return canonical.Hash(value)
}

// CanonicalBytes returns the canonical encoding of value as bytes.
func (s *LocalSigner) CanonicalBytes(value interface{}) ([]byte, error) {
	encoded, err := canonical.Marshal(value)
	if err != nil {
		return nil, err
	}
	return []byte(encoded), nil
}

// SignDigest signs a 64-char hex SHA-256 digest with the referenced key.
func (s *LocalSigner) SignDigest(_ context.Context, keyRef, digestHex string) (command.Signature, error) {
	normalizedRef := strings.TrimSpace(keyRef)
	normalizedDigest := strings.ToLower(strings.TrimSpace(digestHex))
	if normalizedRef == "" || !digestHexPattern.MatchString(normalizedDigest) {
		return command.Signature{}, command.BadRequest(
			"SIGN_INPUT_INVALID",
			"signDigest requires a key reference and a 64-char SHA-256 digest hex.",
		)
	}
	digest, err := hex.DecodeString(normalizedDigest)
	if err != nil {
		return command.Signature{}, command.BadRequest("SIGN_INPUT_INVALID", "digest is not valid hex.")
	}

	key, err := s.keyFor(normalizedRef)
	if err != nil {
		return command.Signature{}, command.ServiceUnavailable("SIGN_FAILED", "signing key is unavailable.")
	}
	raw, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return command.Signature{}, command.ServiceUnavailable("SIGN_FAILED", "signature could not be produced.")
	}
	return command.Signature{
		Signature: base64.StdEncoding.EncodeToString(raw),
		Algorithm: SignatureAlgorithm,
	}, nil
}

// ValidateSignatureFormat reports whether signature is non-empty base64.
func (s *LocalSigner) ValidateSignatureFormat(signature string) bool {
	raw := strings.TrimSpace(signature)
	if raw == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	return err == nil && len(decoded) > 0
}

// Verify checks a base64 ECDSA signature against the referenced key's public
// half and a hex digest.
func (s *LocalSigner) Verify(keyRef, digestHex, signature string) bool {
	digest, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(digestHex)))
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	s.mu.Lock()
	key, ok := s.keys[strings.TrimSpace(keyRef)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return ecdsa.VerifyASN1(&key.PublicKey, digest, raw)
}

// ResolveKeyMetadata returns the public key material for a key reference,
// generating the key if it does not exist yet. The public key id is the hex
// SHA-256 of the PEM encoding.
func (s *LocalSigner) ResolveKeyMetadata(keyRef string) (KeyMetadata, error) {
	normalizedRef := strings.TrimSpace(keyRef)
	if normalizedRef == "" {
		return KeyMetadata{}, command.BadRequest("SIGNING_IDENTITY_INVALID", "key reference is required.")
	}
	key, err := s.keyFor(normalizedRef)
	if err != nil {
		return KeyMetadata{}, command.ServiceUnavailable("SIGN_FAILED", "signing key is unavailable.")
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return KeyMetadata{}, command.ServiceUnavailable("SIGN_FAILED", "public key could not be encoded.")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	sum := sha256.Sum256(pemBytes)
	return KeyMetadata{
		KeyRef:       normalizedRef,
		PublicKeyPEM: string(pemBytes),
		PublicKeyID:  hex.EncodeToString(sum[:]),
	}, nil
}
