package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashContent returns the hex SHA-256 of data. It is the identity of a
// shared object and the comparison used for copy-on-write.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SharedKey is the blob key of a shared object, sharded by the first two hex
// digits of its hash.
func SharedKey(contentHash string) string {
	if len(contentHash) < 2 {
		return "shared/" + contentHash
	}
	return "shared/" + contentHash[:2] + "/" + contentHash
}

// PrivateKey is the blob key of a user's modified copy.
func PrivateKey(userID, entryID, contentHash string) string {
	return "users/" + userID + "/" + entryID + "/" + contentHash
}

func isPrivateKey(key string) bool {
	return strings.HasPrefix(key, "users/")
}

// ParsePrivateKey splits a private key into its user and entry.
func ParsePrivateKey(key string) (userID, entryID string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "users" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
