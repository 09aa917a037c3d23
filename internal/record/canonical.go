package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// ParamsID computes the stable identifier of a recipe parameter set.
//
// Two invocations with the same effective parameters share the same id, so
// the run tracker can tell a re-run with identical settings from a run with
// different ones. The id is a SHA-256 over a canonical serialization:
// object keys sorted, strings NFC normalized, numbers rendered in their
// shortest round-trip form.
func ParamsID(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "default", nil
	}
	data, err := marshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("params id: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return marshalCanonicalString(val)
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	case float64:
		if val == float64(int64(val)) {
			return strconv.AppendInt(nil, int64(val), 10), nil
		}
		return strconv.AppendFloat(nil, val, 'g', -1, 64), nil
	case []any:
		return marshalCanonicalArray(val)
	case map[string]any:
		return marshalCanonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type in parameter set: %T", v)
	}
}

func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	// Encode appends a newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := marshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	// Keys sort and serialize in NFC form, but the map lookup uses the
	// original key so non-NFC input still finds its value.
	type keyPair struct {
		norm, orig string
	}
	keys := make([]keyPair, 0, len(obj))
	for k := range obj {
		keys = append(keys, keyPair{norm: norm.NFC.String(k), orig: k})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].norm < keys[j].norm })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := marshalCanonicalString(k.norm)
		if err != nil {
			return nil, err
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		data, err := marshalCanonical(obj[k.orig])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k.norm, err)
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
