package artifacts

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
)

const (
	TypeChainExport     = "ccos/causal-chain-export"
	ExportSchemaVersion = "v1"

	// MaxExportSize caps one export's payload.
	MaxExportSize = 64 << 20
)

// ErrSignerNotConfigured is returned when an export must be signed or
// verified without a signer.
var ErrSignerNotConfigured = errors.New("artifacts: signer not configured (fail-closed)")

// ExportEnvelope wraps one ledger export. Payload is RFC 8785 canonical
// JSON and Signature is the hex signature over it.
type ExportEnvelope struct {
	Type               string          `json:"type"`
	SchemaVersion      string          `json:"schema_version"`
	ProducerID         string          `json:"producer_id"`
	Scope              string          `json:"scope"`
	CreatedAt          time.Time       `json:"created_at"`
	ActionCount        int             `json:"action_count"`
	ChainHead          string          `json:"chain_head,omitempty"`
	PayloadHash        string          `json:"payload_hash"`
	Payload            json.RawMessage `json:"payload"`
	Signature          string          `json:"signature"`
	SignatureAlgorithm string          `json:"signature_algorithm"`
}

type exportPayload struct {
	Actions []*causalchain.Action `json:"actions"`
}

// Exporter signs ledger exports and writes them to a Store.
type Exporter struct {
	store      Store
	signer     causalchain.Signer
	producerID string
	clock      func() time.Time
}

func NewExporter(store Store, signer causalchain.Signer, producerID string) *Exporter {
	return &Exporter{store: store, signer: signer, producerID: producerID, clock: time.Now}
}

// WithClock overrides clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes actions under scope (e.g. "plan:plan-1" or "all") and
// returns the envelope's content hash.
func (e *Exporter) Export(ctx context.Context, scope string, actions []*causalchain.Action, chainHead string) (string, error) {
	if e.signer == nil {
		return "", ErrSignerNotConfigured
	}
	if actions == nil {
		actions = []*causalchain.Action{}
	}
	raw, err := json.Marshal(exportPayload{Actions: actions})
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	payload, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize export: %w", err)
	}
	if len(payload) > MaxExportSize {
		return "", fmt.Errorf("export payload exceeds limit of %d bytes", MaxExportSize)
	}
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign export: %w", err)
	}

	env := ExportEnvelope{
		Type:               TypeChainExport,
		SchemaVersion:      ExportSchemaVersion,
		ProducerID:         e.producerID,
		Scope:              scope,
		CreatedAt:          e.clock().UTC(),
		ActionCount:        len(actions),
		ChainHead:          chainHead,
		PayloadHash:        ContentHash(payload),
		Payload:            payload,
		Signature:          hex.EncodeToString(sig),
		SignatureAlgorithm: e.signer.Algorithm(),
	}
	// HTML escaping would rewrite the signed payload bytes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return e.store.Store(ctx, buf.Bytes())
}

// Fetch loads an export and decodes its actions.
func (e *Exporter) Fetch(ctx context.Context, hash string) (*ExportEnvelope, []*causalchain.Action, error) {
	data, err := e.store.Get(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	var env ExportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("corrupt export %s: %w", hash, err)
	}
	var p exportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &env, nil, fmt.Errorf("corrupt export payload %s: %w", hash, err)
	}
	return &env, p.Actions, nil
}

// Verify checks an export's content hash, envelope signature and every
// action signature. The returned reasons explain a false result.
func (e *Exporter) Verify(ctx context.Context, hash string) (bool, []string, error) {
	if e.signer == nil {
		return false, nil, ErrSignerNotConfigured
	}
	data, err := e.store.Get(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	var reasons []string
	if ContentHash(data) != hash {
		reasons = append(reasons, "stored bytes do not match content hash")
	}

	env, actions, err := e.Fetch(ctx, hash)
	if err != nil {
		return false, append(reasons, err.Error()), nil
	}
	if env.Type != TypeChainExport {
		reasons = append(reasons, "unexpected type "+env.Type)
	}
	if ContentHash(env.Payload) != env.PayloadHash {
		reasons = append(reasons, "payload hash mismatch")
	}
	if env.SignatureAlgorithm != e.signer.Algorithm() {
		reasons = append(reasons, fmt.Sprintf("signed with %s, verifier uses %s", env.SignatureAlgorithm, e.signer.Algorithm()))
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || !e.signer.Verify(env.Payload, sig) {
		reasons = append(reasons, "envelope signature invalid")
	}
	if len(actions) != env.ActionCount {
		reasons = append(reasons, fmt.Sprintf("action count %d, envelope says %d", len(actions), env.ActionCount))
	}
	for _, a := range actions {
		if !causalchain.VerifyActionSignature(e.signer, a) {
			reasons = append(reasons, "action "+a.ActionID+" signature invalid")
		}
	}
	return len(reasons) == 0, reasons, nil
}
