// Package canonical produces a deterministic normal form for structured values.
//
// Two values that differ only in object key order, in Go representation
// (struct vs map, []string vs []any) or in the spelling of a number
// (1 vs 1.0 vs 1e0) serialize to identical bytes. Distinct numbers never
// collapse, including integers beyond float64 precision.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize lowers v to the JSON data model (map[string]any, []any, string,
// json.Number, bool, nil) with every nested number normalized. Object key order
// is applied at serialization time by Marshal.
func Canonicalize(v any) (any, error) {
	lowered, err := lower(v)
	if err != nil {
		return nil, err
	}
	return normalize(lowered), nil
}

// Marshal returns the canonical serialization of v: keys sorted, no
// insignificant whitespace, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) (bool, error) {
	ca, err := Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// lower converts arbitrary Go values into the JSON data model. Values already in
// that model are walked directly, json.RawMessage and []byte are decoded as JSON
// and anything else goes through encoding/json.
func lower(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, json.Number:
		return val, nil
	case float64:
		return numberFromFloat(val)
	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			l, err := lower(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			out[k] = l
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			l, err := lower(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			out[i] = l
		}
		return out, nil
	case json.RawMessage:
		return decode(val)
	case []byte:
		// Byte slices carry JSON documents here, never binary blobs.
		return decode(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return decode(data)
	}
}

func decode(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return out, nil
}

func numberFromFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("unsupported number %v", f)
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// normalize rewrites numbers so integral values have a single spelling.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = normalize(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalize(elem)
		}
		return val
	case json.Number:
		return normalizeNumber(val)
	default:
		return val
	}
}

// maxExponent bounds the decimal exponent expanded exactly. Larger exponents
// are outside float64 range and keep their original spelling.
const maxExponent = 400

// normalizeNumber gives every numeric value a single spelling without losing
// precision: integers print all their digits, fractions exactly representable
// as float64 use the shortest float form and other fractions keep their exact
// decimal digits.
func normalizeNumber(n json.Number) json.Number {
	if i, err := n.Int64(); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}

	s := n.String()
	mantissa, exp, ok := splitExponent(s)
	if !ok || exp > maxExponent || exp < -maxExponent {
		return n
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return n
	}
	if r.IsInt() {
		return json.Number(r.Num().String())
	}
	if f, exact := r.Float64(); exact {
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	}

	prec := 0
	if dot := strings.IndexByte(mantissa, '.'); dot >= 0 {
		prec = len(mantissa) - dot - 1
	}
	prec -= exp
	if prec < 0 {
		prec = 0
	}
	d := r.FloatString(prec)
	if strings.Contains(d, ".") {
		d = strings.TrimRight(strings.TrimRight(d, "0"), ".")
	}
	return json.Number(d)
}

// splitExponent separates "1.5e-3" into "1.5" and -3.
func splitExponent(s string) (string, int, bool) {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return s, 0, true
	}
	exp, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
	if err != nil {
		return "", 0, false
	}
	return s[:i], exp, true
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected canonical type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
