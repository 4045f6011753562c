// Package webhook parses and authenticates inbound Jira webhook
// deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrBadSignature is returned for any authentication mismatch.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Headers consulted during validation.
const (
	headerSignature256 = "X-Hub-Signature-256"
	headerSignature    = "X-Hub-Signature"
	headerPlainSecret  = "X-Webhook-Secret"
	queryPlainSecret   = "secret"
)

// ValidateSignature authenticates a delivery against the shared secret.
// An empty secret disables validation (open mode). When an HMAC header is
// present its digest is checked as HMAC-SHA256 over the exact raw body
// bytes; otherwise a plain-text secret from a header or query parameter
// is accepted. All comparisons are constant time.
func ValidateSignature(body []byte, header http.Header, query url.Values, secret string) error {
	if secret == "" {
		return nil
	}

	if sig := firstHeader(header, headerSignature256, headerSignature); sig != "" {
		if validHMAC(body, sig, secret) {
			return nil
		}
		return ErrBadSignature
	}

	plain := header.Get(headerPlainSecret)
	if plain == "" {
		plain = query.Get(queryPlainSecret)
	}
	if plain != "" && hmac.Equal([]byte(plain), []byte(secret)) {
		return nil
	}
	return ErrBadSignature
}

// validHMAC checks an "algorithm=hexdigest" or bare-hex signature value.
func validHMAC(body []byte, signature, secret string) bool {
	digest := signature
	if _, after, found := strings.Cut(signature, "="); found {
		digest = after
	}

	provided, err := hex.DecodeString(strings.TrimSpace(digest))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
