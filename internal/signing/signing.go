// Package signing implements HMAC-SHA256 authentication over canonical
// JSON for the reality ingest path.
//
// Canonical form: object keys lexicographically sorted, separators "," and
// ":", no insignificant whitespace, UTF-8. Two encodings of the same
// content must canonicalize to identical bytes, so payloads are decoded
// with number literals preserved and re-emitted deterministically.
//
// Strings are emitted as raw UTF-8 with only the mandatory JSON escapes.
// Producers that serialize with an ASCII-escaping JSON encoder will sign
// different bytes and be rejected; they must emit raw UTF-8 as well.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize rewrites raw JSON into its canonical serialization.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	// Trailing garbage after the top-level value is not canonical JSON.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value %T", v)
	}
	return nil
}

// writeString emits a JSON string without HTML escaping so the canonical
// form is stable across encoders.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// Sign computes the hex HMAC-SHA256 of the canonical form of raw.
func Sign(secret string, raw []byte) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against the canonical form of raw using a
// constant-time comparison.
func Verify(secret string, raw []byte, signature string) bool {
	expected, err := Sign(secret, raw)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
