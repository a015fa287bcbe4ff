package replay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// 32-byte on-chain identifiers are rendered exactly once, at the parse
// boundary. Account addresses (pubkeys) become base58; content hashes and
// opaque ids become lowercase hex. Downstream code only ever sees strings.

func RenderPubkey(b [32]byte) string {
	return base58.Encode(b[:])
}

func RenderHash32(b [32]byte) string {
	return hex.EncodeToString(b[:])
}

// DecodeBytes32 accepts the wire forms a decoded event payload may carry for
// a 32-byte field: a 64-char hex string, a base58 string, a JSON number
// array, or a raw byte slice.
func DecodeBytes32(v any) ([32]byte, error) {
	var out [32]byte
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if len(s) == 64 && isHex(s) {
			raw, err := hex.DecodeString(strings.ToLower(s))
			if err != nil {
				return out, fmt.Errorf("invalid_bytes: %w", err)
			}
			copy(out[:], raw)
			return out, nil
		}
		raw, err := base58.Decode(s)
		if err != nil {
			return out, fmt.Errorf("invalid_bytes: %w", err)
		}
		if len(raw) != 32 {
			return out, fmt.Errorf("wrong_arity: %d bytes", len(raw))
		}
		copy(out[:], raw)
		return out, nil
	case []byte:
		if len(x) != 32 {
			return out, fmt.Errorf("wrong_arity: %d bytes", len(x))
		}
		copy(out[:], x)
		return out, nil
	case []any:
		if len(x) != 32 {
			return out, fmt.Errorf("wrong_arity: %d bytes", len(x))
		}
		for i, el := range x {
			n, ok := asUint64(el)
			if !ok || n > 255 {
				return out, fmt.Errorf("invalid_bytes: element %d", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return out, fmt.Errorf("invalid_bytes: unsupported form %T", v)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
