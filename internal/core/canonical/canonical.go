// Package canonical implements the deterministic serialization used as the
// pre-image for every content-addressed hash in the ledger. Two values that
// differ only in map iteration order must canonicalize to identical bytes,
// and anything outside the JSON-safe value domain is rejected outright so a
// caller can never smuggle a custom serialization into a hash.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Err is the typed failure for non-canonicalizable input. Code is stable.
type Err struct {
	Code    string
	Message string
}

func (e *Err) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeInvalidValue classifies every canonicalization rejection. It maps to
// the INVALID_ENTRY error class at the protocol layer.
const CodeInvalidValue = "INVALID_VALUE"

func invalid(format string, args ...interface{}) *Err {
	return &Err{Code: CodeInvalidValue, Message: fmt.Sprintf(format, args...)}
}

// Marshal serializes v into canonical JSON: object keys sorted
// lexicographically, arrays in order, no insignificant whitespace.
//
// The accepted domain is nil, bool, string, integer kinds, finite floats,
// json.Number, map[string]T and []T over the same domain. Values that
// implement json.Marshaler are rejected rather than invoked: a type that
// controls its own serialization controls its own hash, which breaks
// content addressing.
func Marshal(v interface{}) (string, error) {
	var b strings.Builder
	seen := make(map[uintptr]struct{})
	if err := write(&b, v, seen); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Hash returns the SHA-256 hex digest of the UTF-8 bytes of Marshal(v).
func Hash(v interface{}) (string, error) {
	canonical, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashString(canonical), nil
}

// HashString returns the SHA-256 hex digest of the UTF-8 bytes of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func write(b *strings.Builder, v interface{}, seen map[uintptr]struct{}) error {
	if v == nil {
		b.WriteString("null")
		return nil
	}

	if _, ok := v.(json.Marshaler); ok {
		return invalid("cannot canonicalize values with custom JSON serialization (%T)", v)
	}

	switch val := v.(type) {
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		return writeString(b, val)
	case json.Number:
		return writeNumber(b, string(val))
	case int:
		return writePrimitive(b, val)
	case int8:
		return writePrimitive(b, val)
	case int16:
		return writePrimitive(b, val)
	case int32:
		return writePrimitive(b, val)
	case int64:
		return writePrimitive(b, val)
	case uint:
		return writePrimitive(b, val)
	case uint8:
		return writePrimitive(b, val)
	case uint16:
		return writePrimitive(b, val)
	case uint32:
		return writePrimitive(b, val)
	case uint64:
		return writePrimitive(b, val)
	case float32:
		return writeFloat(b, float64(val))
	case float64:
		return writeFloat(b, val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("null")
			return nil
		}
		return write(b, rv.Elem().Interface(), seen)
	case reflect.Slice:
		if rv.IsNil() {
			return writeArray(b, rv, seen)
		}
		ptr := rv.Pointer()
		if _, dup := seen[ptr]; dup {
			return invalid("cannot canonicalize circular references")
		}
		seen[ptr] = struct{}{}
		err := writeArray(b, rv, seen)
		delete(seen, ptr)
		return err
	case reflect.Array:
		return writeArray(b, rv, seen)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return invalid("map keys must be strings, got %s", rv.Type().Key())
		}
		if !rv.IsNil() {
			ptr := rv.Pointer()
			if _, dup := seen[ptr]; dup {
				return invalid("cannot canonicalize circular references")
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		return writeObject(b, rv, seen)
	default:
		return invalid("cannot canonicalize %s values", rv.Kind())
	}
}

func writeArray(b *strings.Builder, rv reflect.Value, seen map[uintptr]struct{}) error {
	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := write(b, rv.Index(i).Interface(), seen); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func writeObject(b *strings.Builder, rv reflect.Value, seen map[uintptr]struct{}) error {
	keys := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeString(b, key); err != nil {
			return err
		}
		b.WriteByte(':')
		elem := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if err := write(b, elem.Interface(), seen); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeString(b *strings.Builder, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return invalid("cannot encode string: %v", err)
	}
	b.Write(encoded)
	return nil
}

func writePrimitive(b *strings.Builder, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return invalid("cannot encode %T: %v", v, err)
	}
	b.Write(encoded)
	return nil
}

func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid("cannot canonicalize non-finite number %v", f)
	}
	return writePrimitive(b, f)
}

func writeNumber(b *strings.Builder, raw string) error {
	var f float64
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return invalid("invalid json.Number %q", raw)
	}
	// Integer literals keep their exact digits so a value decoded back out
	// of a packed ledger hashes the same as the int64 it was written from,
	// even past float64's 53-bit mantissa.
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return writePrimitive(b, i)
	}
	if u, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return writePrimitive(b, u)
	}
	return writeFloat(b, f)
}
