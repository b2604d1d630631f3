package runtime

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Capability arguments and results are plain Go values:
// nil, bool, int64, float64, string, []any, map[string]any,
// plus the RTFS-specific scalar types below.

// Keyword is an RTFS keyword such as :status.
type Keyword string

// Symbol is an unevaluated RTFS symbol.
type Symbol string

// ResourceHandle is an opaque reference to a host-side resource
// (open file, pending human prompt, stream).
type ResourceHandle string

// TypeName returns the RTFS type name used in TypeError messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64, json.Number:
		return "float"
	case string:
		return "string"
	case Keyword:
		return "keyword"
	case Symbol:
		return "symbol"
	case ResourceHandle:
		return "resource-handle"
	case []any:
		return "vector"
	case map[string]any:
		return "map"
	case []byte:
		return "bytes"
	case error:
		return "error"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return "vector"
	case reflect.Map:
		return "map"
	}
	return fmt.Sprintf("%T", v)
}

// Canonical returns the deterministic textual representation of v used for
// ledger hashing. Map entries are ordered by key, strings are NFC-normalized
// and quoted, and numbers use their shortest round-trip form.
func Canonical(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case json.Number:
		b.WriteString(t.String())
	case string:
		b.WriteString(strconv.Quote(norm.NFC.String(t)))
	case Keyword:
		b.WriteByte(':')
		b.WriteString(norm.NFC.String(string(t)))
	case Symbol:
		b.WriteString(norm.NFC.String(string(t)))
	case ResourceHandle:
		b.WriteString("#resource[")
		b.WriteString(string(t))
		b.WriteByte(']')
	case []byte:
		b.WriteString("#bytes[")
		b.WriteString(hex.EncodeToString(t))
		b.WriteByte(']')
	case time.Time:
		b.WriteString("#inst[")
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
		b.WriteByte(']')
	case error:
		b.WriteString("#error[")
		b.WriteString(strconv.Quote(t.Error()))
		b.WriteByte(']')
	case []any:
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	case map[string]any:
		writeCanonicalMap(b, t)
	default:
		writeCanonicalReflect(b, v)
	}
}

func writeCanonicalMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(norm.NFC.String(k)))
		b.WriteByte(' ')
		writeCanonical(b, m[k])
	}
	b.WriteByte('}')
}

func writeCanonicalReflect(b *strings.Builder, v any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elems := make([]any, rv.Len())
		for i := range elems {
			elems[i] = rv.Index(i).Interface()
		}
		writeCanonical(b, elems)
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		writeCanonicalMap(b, m)
	case reflect.Int8, reflect.Int16:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Pointer:
		if rv.IsNil() {
			b.WriteString("nil")
			return
		}
		writeCanonical(b, rv.Elem().Interface())
	default:
		// Structs and anything else go through JSON so field tags are honored.
		raw, err := json.Marshal(v)
		if err != nil {
			b.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
			return
		}
		decoded, err := FromJSON(raw)
		if err != nil {
			b.WriteString(strconv.Quote(string(raw)))
			return
		}
		writeCanonical(b, decoded)
	}
}

// FromJSON decodes a JSON document into the value model. Integral numbers
// become int64, all others float64.
func FromJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return normalizeJSON(raw), nil
}

func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalizeJSON(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = normalizeJSON(elem)
		}
		return out
	default:
		return v
	}
}

// ToJSON converts a value into something encoding/json can marshal.
// Keywords keep their leading colon; resource handles become their id.
func ToJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, uint64, float32, float64, json.Number:
		return t, nil
	case Keyword:
		return ":" + string(t), nil
	case Symbol:
		return string(t), nil
	case ResourceHandle:
		return string(t), nil
	case []byte:
		return hex.EncodeToString(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			conv, err := ToJSON(elem)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			conv, err := ToJSON(elem)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case error:
		return nil, fmt.Errorf("cannot convert error value to JSON: %w", t)
	}
	// Structs, typed slices and maps round-trip through encoding/json.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %s to JSON: %w", TypeName(v), err)
	}
	return FromJSON(raw)
}

// MarshalValue renders v as compact JSON.
func MarshalValue(v any) ([]byte, error) {
	conv, err := ToJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conv)
}

// AsString returns v as a string when it is string-like.
func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case Keyword:
		return string(t), true
	case Symbol:
		return string(t), true
	}
	return "", false
}

// AsInt returns v as an int64 when it is an integral number.
func AsInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	}
	return 0, false
}
