package recording

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of an upload token.
const tokenBytes = 32

// NewUploadToken returns a fresh upload token and its stored hash. Only the
// hash is persisted; the plaintext goes back to the client exactly once.
func NewUploadToken() (token, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashUploadToken(token), nil
}

// HashUploadToken returns the hex SHA-256 of a plaintext upload token.
func HashUploadToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyUploadToken compares a presented plaintext token against the stored
// hash in constant time.
func VerifyUploadToken(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	presented := HashUploadToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}
