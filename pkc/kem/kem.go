// Package kem wraps the hybrid X25519+Kyber768 KEM used as the post-quantum
// key-wrap option for anonymous review envelopes.
package kem

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/hybrid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Name is the envelope key scheme identifier carried on the wire.
const Name = "x25519-kyber768"

// KeySize is the length of every derived symmetric key (AES-256-GCM).
const KeySize = 32

var scheme = hybrid.Kyber768X25519()

// DeriveKeyPair expands secret into a KEM seed and returns the binary-encoded
// keypair. The same secret always yields the same keypair, which lets the
// authority keep a single long-term secret (its RSA key).
func DeriveKeyPair(secret []byte) (pub, priv []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, fmt.Errorf("kem: empty seed secret")
	}
	seed := make([]byte, scheme.SeedSize())
	hk := hkdf.New(sha3.New256, secret, nil, []byte("blindreview/kem-seed/v1"))
	if _, err := io.ReadFull(hk, seed); err != nil {
		return nil, nil, fmt.Errorf("kem: seed expansion: %w", err)
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Encapsulate runs the hybrid KEM against pub and binds the derived key to the
// context values m1, m2 (professor id and cycle id for review envelopes).
//
//	ct  – wire ciphertext (ct_dh || ct_pq)
//	key – HKDF-SHA3-256(secret, info = SHA3-256(m1 || m2))[0:32]
func Encapsulate(pub, m1, m2 []byte) (ct, key []byte, err error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ct, secret, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, deriveKey(secret, m1, m2), nil
}

// Decapsulate mirrors Encapsulate for the holder of the private key.
func Decapsulate(priv, ct, m1, m2 []byte) (key []byte, err error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if len(ct) != scheme.CiphertextSize() {
		return nil, fmt.Errorf("kem: ciphertext length %d, want %d", len(ct), scheme.CiphertextSize())
	}
	secret, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, err
	}
	return deriveKey(secret, m1, m2), nil
}

// deriveKey is CatKDF-style: context = SHA3-256(m1 || m2), secret = ss_dh || ss_pq.
func deriveKey(secret, m1, m2 []byte) []byte {
	h := sha3.New256()
	h.Write(m1)
	h.Write(m2)
	context := h.Sum(nil)

	hk := hkdf.New(sha3.New256, secret, nil, context)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		panic(err)
	}
	return key
}
