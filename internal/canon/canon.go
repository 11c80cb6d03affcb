// Package canon implements the restricted canonical JSON encoding used to
// build the signable view of a ledger record. Keys are emitted in ascending
// byte order and the value space is deliberately narrow: ASCII strings,
// int64-range integers, booleans, null, and nested maps/arrays of the same.
// Anything outside that subset is a programmer error, not a degraded form,
// so Marshal returns an error rather than guessing at a representation.
package canon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v as canonical JSON. v must be built from the types
// accepted by encodeValue: nil, bool, string (ASCII only), int, int64,
// map[string]any, and []any.
func Marshal(v any) ([]byte, error) {
	var b strings.Builder
	if err := encodeValue(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func encodeValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
		return nil
	case string:
		return encodeString(b, val)
	case map[string]any:
		return encodeMap(b, val)
	case []any:
		return encodeArray(b, val)
	default:
		return fmt.Errorf("canon: value of type %T is outside the restricted signable subset", v)
	}
}

func encodeMap(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeString(b, k); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := encodeValue(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeArray(b *strings.Builder, a []any) error {
	b.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeValue(b, v); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeString(b *strings.Builder, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return fmt.Errorf("canon: string %q contains a non-ASCII byte, outside the restricted signable subset", s)
		}
	}

	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(b, `\u%04x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return nil
}
