package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
)

// CanonicalizeJSON rewrites raw into a canonical form: object keys sorted,
// no insignificant whitespace, strings without HTML escaping. Only integer
// numbers are accepted, duplicate keys and trailing data are rejected. The
// result is what devices sign, so every client must produce identical bytes.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var buf bytes.Buffer
	if err := canonValue(dec, &buf); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical json: trailing data")
	}
	return buf.Bytes(), nil
}

// Canonical marshals v and returns CanonicalizeJSON of the result.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical payload: %w", err)
	}
	return CanonicalizeJSON(raw)
}

func canonValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		if t == '[' {
			return canonArray(dec, buf)
		}
		return canonObject(dec, buf)
	case string:
		writeCanonString(buf, t)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return fmt.Errorf("canonical json: non-integer number %s", s)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("canonical json: invalid number %s", s)
		}
		buf.WriteString(n.String())
	case bool:
		fmt.Fprintf(buf, "%t", t)
	case nil:
		buf.WriteString("null")
	}
	return nil
}

func canonArray(dec *json.Decoder, buf *bytes.Buffer) error {
	buf.WriteByte('[')
	for i := 0; dec.More(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := canonValue(dec, buf); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	buf.WriteByte(']')
	return nil
}

func canonObject(dec *json.Decoder, buf *bytes.Buffer) error {
	members := map[string][]byte{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		key, _ := tok.(string)
		if _, dup := members[key]; dup {
			return fmt.Errorf("canonical json: duplicate key %q", key)
		}
		var val bytes.Buffer
		if err := canonValue(dec, &val); err != nil {
			return err
		}
		members[key] = val.Bytes()
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonString(buf, k)
		buf.WriteByte(':')
		buf.Write(members[k])
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
}
