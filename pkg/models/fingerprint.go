package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

// CanonicalizeJSON returns a canonical form with object keys sorted
// lexicographically and numbers preserved as written. Two payloads that
// differ only in key order or whitespace canonicalize identically.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// Fingerprint computes the stable identity of an action request:
// sha256 over the canonical JSON of the fields that define what the
// action does. A confirmation token minted for one fingerprint can
// never redeem a different action.
func Fingerprint(r ActionRequest) string {
	args := r.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	payload := map[string]interface{}{
		"caller_id":   r.CallerID,
		"action_kind": string(r.Kind),
		"target":      r.Target,
		"args":        json.RawMessage(args),
	}
	enc, _ := json.Marshal(payload)
	canon, err := CanonicalizeJSON(enc)
	if err != nil {
		canon = enc
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}
