package policy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashAdminToken derives the stored form of an admin token. The result is
// "<salt>:<hex(sha256(salt || token))>"; the salt is random per channel.
func HashAdminToken(token string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt) + ":" + digest(salt, token), nil
}

// VerifyAdminToken compares a presented token against the stored hash in
// constant time. Malformed stored hashes never verify.
func VerifyAdminToken(stored, token string) bool {
	saltHex, want, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	got := digest(salt, token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func digest(salt []byte, token string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
