// Package canonical produces deterministic JSON bytes for hashing and signing.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/ILLUVRSE/anchor/internal/dataset"
)

// TimeLayout is the UTC, whole-second timestamp form used in canonical records.
const TimeLayout = "2006-01-02T15:04:05+00:00"

// Record returns the canonical bytes of a dataset record for SchemaVersion v1.
// Keys: elo, matches, player, rank, tenant, updated_at.
func Record(r dataset.Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return Marshal(map[string]interface{}{
		"tenant":     r.Tenant,
		"player":     r.Player,
		"elo":        r.Elo,
		"rank":       r.Rank,
		"matches":    r.Matches,
		"updated_at": FormatTime(r.UpdatedAt),
	})
}

// FormatTime truncates t to seconds and renders it in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// Marshal returns deterministic JSON bytes for a JSON-like value.
// Rules:
//   - Objects (map[string]interface{}): keys sorted lexicographically.
//   - Arrays: order preserved.
//   - Integers and json.Number keep their decimal text; floats are rejected.
//   - Strings are escaped to pure ASCII (\uXXXX for anything outside 0x20-0x7e).
//   - No insignificant whitespace.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		if _, err := vv.Int64(); err != nil {
			return fmt.Errorf("canonical: non-integer number %q", vv.String())
		}
		buf.WriteString(vv.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(vv, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(vv, 10))
	case float32, float64:
		return fmt.Errorf("canonical: floating point value %v not allowed", vv)
	case string:
		writeString(buf, vv)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		// Structs and other types: marshal then re-decode with UseNumber.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString writes s as an ASCII-only JSON string.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r >= 0x20 && r < 0x7f:
			buf.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			writeUnicodeEscape(buf, hi)
			writeUnicodeEscape(buf, lo)
		default:
			// invalid UTF-8 bytes arrive here as utf8.RuneError (U+FFFD)
			writeUnicodeEscape(buf, r)
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
