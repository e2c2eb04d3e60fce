// Package digest signs outbound manager requests with an HMAC-SHA256
// digest over a shared secret. This is the one corner of the manager
// client where no library in the dependency graph owns the concern, so
// it is built directly on crypto/hmac — see DESIGN.md.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Secret holds the process-wide shared secret used to sign requests.
// It is set once at startup from configuration.
type Secret struct {
	value []byte
}

// NewSecret wraps a raw shared-secret value.
func NewSecret(value string) *Secret {
	return &Secret{value: []byte(value)}
}

// Empty reports whether no secret was configured (digest signing is a
// no-op in that case, useful for local testing against managerfake).
func (s *Secret) Empty() bool {
	return s == nil || len(s.value) == 0
}

// Sign computes the hex-encoded HMAC-SHA256 of body under the secret.
func (s *Secret) Sign(body []byte) string {
	if s.Empty() {
		return ""
	}
	mac := hmac.New(sha256.New, s.value)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct digest of body. Constant
// time to avoid leaking the secret through a timing side channel.
func (s *Secret) Verify(body []byte, sig string) bool {
	expected := s.Sign(body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
