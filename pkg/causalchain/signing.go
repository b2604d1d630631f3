package causalchain

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// Signer signs ledger actions. Call sites depend only on this interface so
// the keyed-hash placeholder can be swapped for asymmetric signatures.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) bool
	Algorithm() string
}

// SigningPayload is the byte string an action signature covers.
func SigningPayload(a *Action) []byte {
	return []byte(a.ActionID + ":" + strconv.FormatInt(a.Timestamp, 10))
}

// KeyedHashSigner computes SHA-256(key ++ data). It authenticates only
// against holders of the same key and is not a digital signature.
type KeyedHashSigner struct {
	key []byte
}

const hkdfInfo = "ccos causal chain signing v1"

// NewKeyedHashSigner derives a 32-byte signing key from secret with HKDF-SHA256.
func NewKeyedHashSigner(secret, salt []byte) (*KeyedHashSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &KeyedHashSigner{key: key}, nil
}

// NewRandomKeyedHashSigner uses a fresh random key. Signatures do not
// survive a restart.
func NewRandomKeyedHashSigner() (*KeyedHashSigner, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return NewKeyedHashSigner(secret, nil)
}

func (s *KeyedHashSigner) Sign(data []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(s.key)
	h.Write(data)
	return h.Sum(nil), nil
}

func (s *KeyedHashSigner) Verify(data, signature []byte) bool {
	expected, _ := s.Sign(data)
	return hmac.Equal(expected, signature)
}

func (s *KeyedHashSigner) Algorithm() string { return "sha256-keyed" }

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives a key pair from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey), KeyID: keyID}, nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privKey, data), nil
}

func (s *Ed25519Signer) Verify(data, signature []byte) bool {
	return ed25519.Verify(s.pubKey, data, signature)
}

func (s *Ed25519Signer) Algorithm() string { return "ed25519" }

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func signAction(s Signer, a *Action) (string, error) {
	sig, err := s.Sign(SigningPayload(a))
	if err != nil {
		return "", fmt.Errorf("sign action %s: %w", a.ActionID, err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyActionSignature checks the signature recorded in a's metadata.
func VerifyActionSignature(s Signer, a *Action) bool {
	sig, err := hex.DecodeString(a.Signature())
	if err != nil || len(sig) == 0 {
		return false
	}
	return s.Verify(SigningPayload(a), sig)
}
