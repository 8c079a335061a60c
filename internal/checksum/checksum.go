// Package checksum computes the integrity digest stored alongside every
// backup record. The digest detects accidental corruption only; it is not a
// cryptographic hash.
package checksum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf16"
)

var ErrSerialization = errors.New("payload cannot be serialized")

// Canonical returns the canonical JSON form of payload: object keys sorted,
// no HTML escaping, numbers written by value (1, 1.0 and 1e0 all become 1).
// Raw JSON input is re-encoded so that two structurally identical documents
// produce identical bytes.
func Canonical(payload any) ([]byte, error) {
	var raw []byte
	switch typed := payload.(type) {
	case json.RawMessage:
		raw = typed
	case []byte:
		raw = typed
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		raw = data
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrSerialization)
	}
	tree, err := normalizeNumbers(tree)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalizeNumbers rewrites every number in tree to its shortest form.
// Integers that fit in 64 bits keep full precision.
func normalizeNumbers(tree any) (any, error) {
	switch typed := tree.(type) {
	case map[string]any:
		for key, value := range typed {
			normalized, err := normalizeNumbers(value)
			if err != nil {
				return nil, err
			}
			typed[key] = normalized
		}
		return typed, nil
	case []any:
		for i, value := range typed {
			normalized, err := normalizeNumbers(value)
			if err != nil {
				return nil, err
			}
			typed[i] = normalized
		}
		return typed, nil
	case json.Number:
		if n, err := strconv.ParseInt(typed.String(), 10, 64); err == nil {
			return json.Number(strconv.FormatInt(n, 10)), nil
		}
		f, err := strconv.ParseFloat(typed.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %v", ErrSerialization, typed, err)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %v", ErrSerialization, typed, err)
		}
		return json.Number(data), nil
	default:
		return tree, nil
	}
}

// Digest folds every UTF-16 code unit of the serialized payload into a
// signed 32-bit accumulator (h = h*31 + c) and returns it in decimal.
func Digest(serialized []byte) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(string(serialized))) {
		h = (h << 5) - h + int32(unit)
	}
	return strconv.FormatInt(int64(h), 10)
}

// Of canonicalizes payload and returns its digest.
func Of(payload any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}
