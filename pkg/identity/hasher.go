package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// TokenHasher derives deterministic, salted hashes for rotating identifiers so
// that raw identifiers never reach the database.
type TokenHasher struct {
	salt []byte
}

// NewTokenHasher constructs a hasher with the provided salt bytes.
func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given identifier using HMAC-SHA256 and returns a base64 string.
// The empty identifier hashes to the empty string, which matches no agent.
func (h TokenHasher) HashString(token string) string {
	if token == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
