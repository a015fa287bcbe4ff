package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxSafeInt is the largest integer magnitude that survives a 53-bit float
// path. Integers beyond it are serialized as decimal strings so they are
// preserved exactly; CanonicalParse restores them to native 64-bit.
const MaxSafeInt = int64(1)<<53 - 1

// CanonicalStringify renders v as canonical JSON: object keys sorted
// lexicographically at every level, array order preserved, integers in
// shortest decimal form, 64-bit integers beyond MaxSafeInt as decimal
// strings, byte slices as lowercase hex. It never fails; values outside the
// canonical domain are rendered through their fmt representation as strings.
func CanonicalStringify(v any) string {
	return string(AppendCanonical(nil, v))
}

// CanonicalBytes is CanonicalStringify returning the raw byte slice.
func CanonicalBytes(v any) []byte {
	return AppendCanonical(nil, v)
}

func AppendCanonical(dst []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(dst, "null"...)
	case bool:
		if x {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case string:
		return appendJSONString(dst, x)
	case int:
		return appendInt64(dst, int64(x))
	case int8:
		return appendInt64(dst, int64(x))
	case int16:
		return appendInt64(dst, int64(x))
	case int32:
		return appendInt64(dst, int64(x))
	case int64:
		return appendInt64(dst, x)
	case uint:
		return appendUint64(dst, uint64(x))
	case uint8:
		return appendUint64(dst, uint64(x))
	case uint16:
		return appendUint64(dst, uint64(x))
	case uint32:
		return appendUint64(dst, uint64(x))
	case uint64:
		return appendUint64(dst, x)
	case float64:
		return appendFloat(dst, x)
	case float32:
		return appendFloat(dst, float64(x))
	case json.Number:
		return appendNumber(dst, x)
	case []byte:
		return appendJSONString(dst, strings.ToLower(fmt.Sprintf("%x", x)))
	case []any:
		dst = append(dst, '[')
		for i, el := range x {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = AppendCanonical(dst, el)
		}
		return append(dst, ']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendJSONString(dst, k)
			dst = append(dst, ':')
			dst = AppendCanonical(dst, x[k])
		}
		return append(dst, '}')
	case []string:
		dst = append(dst, '[')
		for i, el := range x {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendJSONString(dst, el)
		}
		return append(dst, ']')
	case []uint64:
		dst = append(dst, '[')
		for i, el := range x {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendUint64(dst, el)
		}
		return append(dst, ']')
	}
	return appendJSONString(dst, fmt.Sprintf("%v", v))
}

func appendInt64(dst []byte, n int64) []byte {
	if n > MaxSafeInt || n < -MaxSafeInt {
		dst = append(dst, '"')
		dst = strconv.AppendInt(dst, n, 10)
		return append(dst, '"')
	}
	return strconv.AppendInt(dst, n, 10)
}

func appendUint64(dst []byte, n uint64) []byte {
	if n > uint64(MaxSafeInt) {
		dst = append(dst, '"')
		dst = strconv.AppendUint(dst, n, 10)
		return append(dst, '"')
	}
	return strconv.AppendUint(dst, n, 10)
}

func appendFloat(dst []byte, f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(dst, "null"...)
	}
	if f == math.Trunc(f) && math.Abs(f) <= float64(MaxSafeInt) {
		return strconv.AppendInt(dst, int64(f), 10)
	}
	return strconv.AppendFloat(dst, f, 'g', -1, 64)
}

func appendNumber(dst []byte, n json.Number) []byte {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return appendInt64(dst, i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return appendUint64(dst, u)
	}
	if f, err := n.Float64(); err == nil {
		return appendFloat(dst, f)
	}
	return appendJSONString(dst, s)
}

const hexDigits = "0123456789abcdef"

func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		b := s[i]
		if b < utf8.RuneSelf {
			switch {
			case b == '"':
				dst = append(dst, '\\', '"')
			case b == '\\':
				dst = append(dst, '\\', '\\')
			case b == '\n':
				dst = append(dst, '\\', 'n')
			case b == '\r':
				dst = append(dst, '\\', 'r')
			case b == '\t':
				dst = append(dst, '\\', 't')
			case b < 0x20:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0xF])
			default:
				dst = append(dst, b)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '\\', 'u', 'f', 'f', 'f', 'd')
			i++
			continue
		}
		dst = append(dst, s[i:i+size]...)
		i += size
	}
	return append(dst, '"')
}

// CanonicalParse is the inverse of CanonicalStringify over the canonical
// value domain: numbers come back as int64 (or uint64 beyond the int64
// range, float64 when fractional), and decimal strings carrying integers
// beyond MaxSafeInt are restored to native 64-bit per the serializer
// convention.
func CanonicalParse(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canonical parse: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical parse: trailing data")
	}
	return normalizeParsed(raw), nil
}

func normalizeParsed(v any) any {
	switch x := v.(type) {
	case json.Number:
		return normalizeNumber(x)
	case string:
		if n, ok := bigIntFromString(x); ok {
			return n
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeParsed(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeParsed(x[k])
		}
		return x
	}
	return v
}

func normalizeNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}

// bigIntFromString recognizes the serializer's big-integer convention:
// a pure decimal string whose magnitude exceeds MaxSafeInt and fits 64 bits.
func bigIntFromString(s string) (any, bool) {
	body := s
	neg := false
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	if body == "" || (len(body) > 1 && body[0] == '0') {
		return nil, false
	}
	for i := 0; i < len(body); i++ {
		if body[i] < '0' || body[i] > '9' {
			return nil, false
		}
	}
	if neg {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil || i >= -MaxSafeInt {
			return nil, false
		}
		return i, true
	}
	u, err := strconv.ParseUint(body, 10, 64)
	if err != nil || u <= uint64(MaxSafeInt) {
		return nil, false
	}
	if u <= uint64(math.MaxInt64) {
		return int64(u), true
	}
	return u, true
}

// CanonicalEqual reports whether two canonical values serialize identically.
func CanonicalEqual(a, b any) bool {
	return bytes.Equal(AppendCanonical(nil, a), AppendCanonical(nil, b))
}

// DiffPath returns the first JSON path at which a and b diverge, or "" when
// they are canonically equal. Paths use dotted keys and bracketed indexes.
func DiffPath(a, b any) string {
	return diffPath(a, b, "$")
}

func diffPath(a, b any, path string) string {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		keys := make(map[string]struct{}, len(am)+len(bm))
		for k := range am {
			keys[k] = struct{}{}
		}
		for k := range bm {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			av, aHas := am[k]
			bv, bHas := bm[k]
			if !aHas || !bHas {
				return path + "." + k
			}
			if p := diffPath(av, bv, path+"."+k); p != "" {
				return p
			}
		}
		return ""
	}
	aa, aok := a.([]any)
	ba, bok := b.([]any)
	if aok && bok {
		n := len(aa)
		if len(ba) < n {
			n = len(ba)
		}
		for i := 0; i < n; i++ {
			if p := diffPath(aa[i], ba[i], fmt.Sprintf("%s[%d]", path, i)); p != "" {
				return p
			}
		}
		if len(aa) != len(ba) {
			return fmt.Sprintf("%s[%d]", path, n)
		}
		return ""
	}
	if CanonicalEqual(a, b) {
		return ""
	}
	return path
}
