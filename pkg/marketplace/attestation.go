package marketplace

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAttestation is returned when a manifest attestation fails verification.
var ErrAttestation = errors.New("capability attestation rejected")

// AttestationClaims is the token payload an authority signs for a manifest.
type AttestationClaims struct {
	jwt.RegisteredClaims
	ContentHash string `json:"content_hash"`
	Version     string `json:"version"`
}

// AttestationVerifier checks manifest attestations against trusted
// authorities. Each authority signs with either an HMAC secret or an
// Ed25519 key.
type AttestationVerifier struct {
	mu      sync.RWMutex
	secrets map[string][]byte
	keys    map[string]ed25519.PublicKey
	require bool
	clock   func() time.Time
}

func NewAttestationVerifier() *AttestationVerifier {
	return &AttestationVerifier{
		secrets: make(map[string][]byte),
		keys:    make(map[string]ed25519.PublicKey),
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (v *AttestationVerifier) WithClock(clock func() time.Time) *AttestationVerifier {
	v.clock = clock
	return v
}

// RequireAttestation rejects manifests that carry no attestation.
func (v *AttestationVerifier) RequireAttestation(require bool) *AttestationVerifier {
	v.require = require
	return v
}

// TrustHMAC trusts authority tokens signed with HS256 and secret.
func (v *AttestationVerifier) TrustHMAC(authority string, secret []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[authority] = append([]byte(nil), secret...)
}

// TrustEd25519 trusts authority tokens signed with EdDSA and key.
func (v *AttestationVerifier) TrustEd25519(authority string, key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[authority] = key
}

// Verify checks m's attestation: a trusted issuer, a subject equal to the
// manifest id, a content hash equal to the provenance hash and no expiry.
func (v *AttestationVerifier) Verify(m *CapabilityManifest) error {
	att := m.Attestation
	if att == nil {
		if v.require {
			return fmt.Errorf("%w: %s: no attestation", ErrAttestation, m.ID)
		}
		return nil
	}
	now := v.clock()
	if att.ExpiresAt != nil && now.After(*att.ExpiresAt) {
		return fmt.Errorf("%w: %s: attestation expired at %s", ErrAttestation, m.ID, att.ExpiresAt.Format(time.RFC3339))
	}

	claims := &AttestationClaims{}
	_, err := jwt.ParseWithClaims(att.Signature, claims, v.keyFunc(att.Authority),
		jwt.WithIssuer(att.Authority),
		jwt.WithSubject(m.ID),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAttestation, m.ID, err)
	}
	if m.Provenance != nil && claims.ContentHash != m.Provenance.ContentHash {
		return fmt.Errorf("%w: %s: content hash mismatch", ErrAttestation, m.ID)
	}
	return nil
}

func (v *AttestationVerifier) keyFunc(authority string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		v.mu.RLock()
		defer v.mu.RUnlock()
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if secret, ok := v.secrets[authority]; ok {
				return secret, nil
			}
		case *jwt.SigningMethodEd25519:
			if key, ok := v.keys[authority]; ok {
				return key, nil
			}
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return nil, fmt.Errorf("untrusted authority %q", authority)
	}
}

// SignAttestation issues an attestation for m. key is an HMAC secret
// ([]byte) or an ed25519.PrivateKey. The content hash comes from m's
// provenance.
func SignAttestation(m *CapabilityManifest, authority string, key any, issuedAt time.Time, ttl time.Duration) (*CapabilityAttestation, error) {
	var method jwt.SigningMethod
	switch key.(type) {
	case []byte:
		method = jwt.SigningMethodHS256
	case ed25519.PrivateKey:
		method = jwt.SigningMethodEdDSA
	default:
		return nil, fmt.Errorf("unsupported attestation key type %T", key)
	}
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   authority,
			Subject:  m.ID,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Version: m.Version,
	}
	if m.Provenance != nil {
		claims.ContentHash = m.Provenance.ContentHash
	}
	att := &CapabilityAttestation{Authority: authority, CreatedAt: issuedAt.UTC()}
	if ttl > 0 {
		exp := issuedAt.Add(ttl).UTC()
		claims.ExpiresAt = jwt.NewNumericDate(exp)
		att.ExpiresAt = &exp
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	att.Signature = signed
	return att, nil
}
