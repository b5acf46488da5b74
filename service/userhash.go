package service

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// MinUserHashKey is the shortest accepted USER_HASH_KEY.
const MinUserHashKey = 16

// UserHasher maps an email to the opaque id stored in the claim ledger.
type UserHasher struct{ key []byte }

func NewUserHasher(key []byte) (*UserHasher, error) {
	if len(key) < MinUserHashKey || len(key) > blake2b.Size {
		return nil, errors.New("user hash key must be 16..64 bytes")
	}
	return &UserHasher{key: append([]byte(nil), key...)}, nil
}

// Hash is hex(BLAKE2b-256 keyed MAC of the normalised email).
func (h *UserHasher) Hash(email string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		panic(err) // key length checked in NewUserHasher
	}
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}
