package idempotency

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// volatileKeys are dropped from JSON bodies before hashing, at any depth.
var volatileKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"signature":     {},
	"hash":          {},
	"timestamp":     {},
	"ts":            {},
	"nonce":         {},
	"created_at":    {},
	"updated_at":    {},
	"request_id":    {},
	"auth_date":     {},
}

// Fingerprint is the keyed hash identifying one logical request of one caller.
func (g *Guard) Fingerprint(d Descriptor) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(strings.ToUpper(d.Method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(d.Path))
	mac.Write([]byte{'\n'})
	mac.Write(sanitizeBody(d.Body))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(d.Query.Encode()))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(d.Identity.Key()))
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeBody re-encodes a JSON body with sorted keys and volatile fields
// removed. Anything that is not JSON is returned untouched.
func sanitizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}

	out, err := json.Marshal(strip(v))
	if err != nil {
		return body
	}
	return out
}

func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, drop := volatileKeys[strings.ToLower(k)]; drop {
				delete(t, k)
				continue
			}
			t[k] = strip(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = strip(t[i])
		}
		return t
	default:
		return v
	}
}
