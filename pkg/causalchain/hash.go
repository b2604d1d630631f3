package causalchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// ActionHash is SHA-256 over action_id, plan_id, intent_id, function_name,
// the decimal timestamp, each argument's canonical form, the result's
// canonical form and every metadata key/value in insertion order.
func ActionHash(a *Action) string {
	h := sha256.New()
	h.Write([]byte(a.ActionID))
	h.Write([]byte(a.PlanID))
	h.Write([]byte(a.IntentID))
	h.Write([]byte(a.FunctionName))
	h.Write([]byte(strconv.FormatInt(a.Timestamp, 10)))
	for _, arg := range a.Arguments {
		h.Write([]byte(runtime.Canonical(arg)))
	}
	if a.Result != nil {
		h.Write([]byte(canonicalResult(a.Result)))
	}
	for _, e := range a.Metadata.entries {
		h.Write([]byte(e.Key))
		h.Write([]byte(runtime.Canonical(e.Value)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChainHash links actionHash to the previous chain hash. The first entry
// has no predecessor and hashes actionHash alone.
func ChainHash(prev, actionHash string) string {
	h := sha256.New()
	if prev != "" {
		h.Write([]byte(prev))
	}
	h.Write([]byte(actionHash))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalResult(r *ExecutionResult) string {
	m := map[string]any{
		"success": r.Success,
		"value":   r.Value,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if len(r.Metadata) > 0 {
		m["metadata"] = r.Metadata
	}
	return runtime.Canonical(m)
}

// normalizeValue converts v to the JSON value model so in-memory and
// persisted actions hash identically.
func normalizeValue(v any) any {
	raw, err := runtime.MarshalValue(v)
	if err != nil {
		return runtime.Canonical(v)
	}
	out, err := runtime.FromJSON(raw)
	if err != nil {
		return runtime.Canonical(v)
	}
	return out
}

func decodeValue(raw json.RawMessage) (any, error) {
	return runtime.FromJSON(raw)
}

// normalizeAction rewrites every value of a into JSON form and replaces
// invalid UTF-8 in its strings, which encoding/json would otherwise rewrite
// on persistence.
func normalizeAction(a *Action) {
	for _, s := range []*string{&a.ActionID, &a.ParentActionID, &a.SessionID, &a.PlanID, &a.IntentID, &a.FunctionName} {
		*s = validUTF8(*s)
	}
	a.Type = ActionType(validUTF8(string(a.Type)))
	for i, arg := range a.Arguments {
		a.Arguments[i] = normalizeValue(arg)
	}
	if a.Result != nil {
		a.Result.Error = validUTF8(a.Result.Error)
		if a.Result.Metadata != nil {
			md := make(map[string]any, len(a.Result.Metadata))
			for k, v := range a.Result.Metadata {
				md[validUTF8(k)] = normalizeValue(v)
			}
			a.Result.Metadata = md
		}
		a.Result.Value = normalizeValue(a.Result.Value)
	}
	var md Metadata
	for _, e := range a.Metadata.entries {
		md.Set(validUTF8(e.Key), normalizeValue(e.Value))
	}
	a.Metadata = md
}

func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Metadata keys mirroring action fields that the action hash does not read
// directly. They are written on commit, before signing.
const (
	MetaActionType     = "action_type"
	MetaCost           = "action_cost"
	MetaDurationMS     = "duration_ms"
	MetaParentActionID = "parent_action_id"
	MetaSessionID      = "session_id"
)

// fieldMetadata returns the mirrored entries for a. Optional fields that
// are unset map to "".
func fieldMetadata(a *Action) []MetadataEntry {
	var cost, duration string
	if a.Cost != nil {
		cost = strconv.FormatFloat(*a.Cost, 'g', -1, 64)
	}
	if a.DurationMS != nil {
		duration = strconv.FormatUint(*a.DurationMS, 10)
	}
	return []MetadataEntry{
		{Key: MetaActionType, Value: string(a.Type)},
		{Key: MetaCost, Value: cost},
		{Key: MetaDurationMS, Value: duration},
		{Key: MetaParentActionID, Value: a.ParentActionID},
		{Key: MetaSessionID, Value: a.SessionID},
	}
}

// recordFieldMetadata writes the mirrored entries into a's metadata,
// dropping those whose field is unset.
func recordFieldMetadata(a *Action) {
	for _, e := range fieldMetadata(a) {
		if e.Value == "" {
			a.Metadata.remove(e.Key)
			continue
		}
		a.Metadata.Set(e.Key, e.Value)
	}
}

// checkFieldMetadata reports a field whose value no longer matches its
// recorded mirror.
func checkFieldMetadata(a *Action) error {
	for _, e := range fieldMetadata(a) {
		got, ok := a.Metadata.Get(e.Key)
		if !ok {
			got = ""
		}
		if got != e.Value {
			return fmt.Errorf("field %s is %q, recorded %v", e.Key, e.Value, got)
		}
	}
	return nil
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
