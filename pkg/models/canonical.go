package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CanonicalizeJSON returns a RFC 8785-compatible canonical form for a
// restricted JSON subset. Numbers must be integers; monetary values are
// integer cents everywhere in this system.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
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
		buf.WriteString(strconv.FormatBool(t))
	case string:
		writeJSONString(buf, t)
	case json.Number:
		return writeCanonicalInt(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		for i, key := range sortedMapKeys(t) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported json type %T", v)
	}
	return nil
}

// writeCanonicalInt accepts integer tokens only. Decimal points and
// exponents would give the same amount multiple encodings, which breaks
// hash stability.
func writeCanonicalInt(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return errors.New("non-integer number in canonical form")
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid number %q", s)
	}
	buf.WriteString(i.String())
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	buf.Write(encoded)
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EntryHash computes the audit chain link hash:
// sha256( userID | sequence | eventType | Canonical(eventData) | previousHash | timestamp ).
// Field order and the "genesis" sentinel are load-bearing; changing either
// invalidates every existing chain.
func EntryHash(userID string, sequence int64, eventType string, eventData json.RawMessage, previousHash string, ts time.Time) (string, error) {
	canonical, err := CanonicalizeJSON(eventData)
	if err != nil {
		return "", fmt.Errorf("canonicalize event data: %w", err)
	}
	payload := strings.Join([]string{
		userID,
		strconv.FormatInt(sequence, 10),
		eventType,
		string(canonical),
		previousHash,
		ts.UTC().Format(time.RFC3339Nano),
	}, "|")
	h := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(h[:]), nil
}
