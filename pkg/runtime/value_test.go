package runtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_Scalars(t *testing.T) {
	assert.Equal(t, "nil", Canonical(nil))
	assert.Equal(t, "true", Canonical(true))
	assert.Equal(t, "42", Canonical(int64(42)))
	assert.Equal(t, "42", Canonical(42))
	assert.Equal(t, "1.5", Canonical(1.5))
	assert.Equal(t, `"hello"`, Canonical("hello"))
	assert.Equal(t, ":status", Canonical(Keyword("status")))
	assert.Equal(t, "#resource[prompt-1]", Canonical(ResourceHandle("prompt-1")))
}

func TestCanonical_MapOrderIsStable(t *testing.T) {
	a := map[string]any{"b": int64(2), "a": int64(1), "c": []any{"x", int64(3)}}
	b := map[string]any{"c": []any{"x", int64(3)}, "a": int64(1), "b": int64(2)}

	assert.Equal(t, Canonical(a), Canonical(b))
	assert.Equal(t, `{"a" 1, "b" 2, "c" ["x" 3]}`, Canonical(a))
}

func TestCanonical_NormalizesUnicode(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, Canonical(composed), Canonical(decomposed))
}

func TestCanonical_TypedSlicesAndStructs(t *testing.T) {
	assert.Equal(t, `["a" "b"]`, Canonical([]string{"a", "b"}))

	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	assert.Equal(t, `{"x" 1, "y" 2}`, Canonical(point{X: 1, Y: 2}))
}

func TestFromJSON_NumbersAndNesting(t *testing.T) {
	v, err := FromJSON([]byte(`{"n": 3, "f": 2.5, "list": [1, "two", null], "ok": true}`))
	require.NoError(t, err)

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), m["n"])
	assert.Equal(t, 2.5, m["f"])
	assert.Equal(t, []any{int64(1), "two", nil}, m["list"])
	assert.Equal(t, true, m["ok"])
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte(`{"broken":`))
	require.Error(t, err)
}

func TestToJSON_ConvertsRTFSTypes(t *testing.T) {
	out, err := ToJSON(map[string]any{
		"kw":     Keyword("ready"),
		"handle": ResourceHandle("prompt-9"),
		"nested": []any{Symbol("x"), int64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"kw":     ":ready",
		"handle": "prompt-9",
		"nested": []any{"x", int64(1)},
	}, out)

	_, err = ToJSON(errors.New("boom"))
	require.Error(t, err)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "string", TypeName("s"))
	assert.Equal(t, "integer", TypeName(int64(1)))
	assert.Equal(t, "vector", TypeName([]any{}))
	assert.Equal(t, "vector", TypeName([]string{}))
	assert.Equal(t, "map", TypeName(map[string]any{}))
	assert.Equal(t, "nil", TypeName(nil))
}

func TestErrorTaxonomy(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", IsolationRoutingError("ccos.io.open-file"))

	assert.True(t, IsKind(err, KindIsolationRouting))
	assert.False(t, IsKind(err, KindAuthorization))
	assert.Equal(t, KindIsolationRouting, KindOf(err))
	assert.Contains(t, err.Error(), "ExecuteCapabilityWithMicroVM")
	assert.True(t, errors.Is(err, &Error{Kind: KindIsolationRouting}))

	cause := errors.New("connection refused")
	perr := ProviderError("remote.echo", cause)
	assert.ErrorIs(t, perr, cause)
	assert.True(t, perr.Retryable)

	arity := ArityMismatch("ccos.system.get-env", "1", 2)
	assert.Contains(t, arity.Error(), "expected 1 arguments, got 2")

	typ := TypeError("ccos.system.get-env", "string", int64(1))
	assert.Contains(t, typ.Error(), "got integer")
}
