package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names set on every signed venue request.
const (
	HeaderAPIKey     = "X-API-KEY"
	HeaderTimestamp  = "X-API-TIMESTAMP"
	HeaderPassphrase = "X-API-PASSPHRASE"
	HeaderSignature  = "X-API-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated venue requests.
type HMACAuth struct {
	Key        string
	Secret     string // base64-encoded; raw bytes are used if decoding fails
	Passphrase string
}

// Headers returns the signed headers for a request at the current time. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) in base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers with a caller-supplied Unix millisecond timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	out := map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(h.secretBytes(), ts+method+path+body),
	}
	if h.Passphrase != "" {
		out[HeaderPassphrase] = h.Passphrase
	}
	return out
}

// Verify checks a signature produced by HeadersAt in constant time.
func (h *HMACAuth) Verify(method, path, body, ts, signature string) bool {
	want := Sign(h.secretBytes(), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(signature))
}

func (h *HMACAuth) secretBytes() []byte {
	b, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		return []byte(h.Secret)
	}
	return b
}

// Sign returns base64(HMAC-SHA256(key, message)).
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
