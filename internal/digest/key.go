package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the canonical value encoding. Each value is framed as a
// single protobuf field so that nested values are unambiguous.
const (
	fieldNull protowire.Number = iota + 1
	fieldBool
	fieldInt
	fieldFloat
	fieldString
	fieldBytes
	fieldList
	fieldMap
)

// Key returns the hex SHA-256 of the canonical encoding of v.
//
// Supported values are nil, bool, integers, floats, string, []byte, Digest,
// slices/arrays of supported values and maps with string keys. Map entries are
// encoded in sorted key order; list order is preserved.
func Key(v any) (string, error) {
	raw, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical encodes v deterministically.
func Canonical(v any) ([]byte, error) {
	return appendValue(nil, reflect.ValueOf(v))
}

func appendValue(b []byte, v reflect.Value) ([]byte, error) {
	if !v.IsValid() {
		b = protowire.AppendTag(b, fieldNull, protowire.VarintType)
		return protowire.AppendVarint(b, 0), nil
	}
	if v.Type() == reflect.TypeOf(Digest{}) {
		d := v.Interface().(Digest)
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		return protowire.AppendString(b, d.String()), nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return appendValue(b, reflect.Value{})
		}
		return appendValue(b, v.Elem())
	case reflect.Bool:
		b = protowire.AppendTag(b, fieldBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("canonical: unsigned value %d overflows int64", u)
		}
		b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u))), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		// Integral floats (common after YAML/JSON decoding) hash like ints.
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
			return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f))), nil
		}
		b = protowire.AppendTag(b, fieldFloat, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(f)), nil
	case reflect.String:
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		return protowire.AppendString(b, v.String()), nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			b = protowire.AppendTag(b, fieldBytes, protowire.BytesType)
			return protowire.AppendBytes(b, v.Bytes()), nil
		}
		var inner []byte
		for i := 0; i < v.Len(); i++ {
			var err error
			if inner, err = appendValue(inner, v.Index(i)); err != nil {
				return nil, err
			}
		}
		b = protowire.AppendTag(b, fieldList, protowire.BytesType)
		return protowire.AppendBytes(b, inner), nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("canonical: map key type %s is not string", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		var inner []byte
		for _, k := range keys {
			inner = protowire.AppendTag(inner, fieldString, protowire.BytesType)
			inner = protowire.AppendString(inner, k)
			var err error
			mv := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
			if inner, err = appendValue(inner, mv); err != nil {
				return nil, fmt.Errorf("canonical: key %q: %w", k, err)
			}
		}
		b = protowire.AppendTag(b, fieldMap, protowire.BytesType)
		return protowire.AppendBytes(b, inner), nil
	default:
		return nil, fmt.Errorf("canonical: unsupported type %s", v.Type())
	}
}
