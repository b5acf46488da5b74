package kem_test

import (
	"bytes"
	"testing"

	kem "github.com/collapsinghierarchy/blindreview/pkc/kem"
)

func derive(t *testing.T, secret string) (pub, priv []byte) {
	t.Helper()
	pub, priv, err := kem.DeriveKeyPair([]byte(secret))
	if err != nil {
		t.Fatalf("DeriveKeyPair error: %v", err)
	}
	return pub, priv
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	pub1, priv1 := derive(t, "authority-secret")
	pub2, priv2 := derive(t, "authority-secret")
	if !bytes.Equal(pub1, pub2) || !bytes.Equal(priv1, priv2) {
		t.Fatal("same secret must derive the same keypair")
	}
	pub3, _ := derive(t, "other-secret")
	if bytes.Equal(pub1, pub3) {
		t.Fatal("different secrets derived the same public key")
	}
	if _, _, err := kem.DeriveKeyPair(nil); err == nil {
		t.Fatal("empty secret should be rejected")
	}
}

func TestEncapsulateDecapsulate(t *testing.T) {
	pub, priv := derive(t, "authority-secret")
	m1, m2 := []byte("prof-1"), []byte("2026-10")

	ct, key1, err := kem.Encapsulate(pub, m1, m2)
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	if len(ct) == 0 {
		t.Fatal("Encapsulate returned empty ciphertext")
	}
	if got, want := len(key1), kem.KeySize; got != want {
		t.Fatalf("wrong key length: got %d, want %d", got, want)
	}

	key2, err := kem.Decapsulate(priv, ct, m1, m2)
	if err != nil {
		t.Fatalf("Decapsulate failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("mismatch: derived keys differ between Encapsulate and Decapsulate")
	}
}

func TestContextBinding(t *testing.T) {
	pub, priv := derive(t, "authority-secret")

	ct, key, err := kem.Encapsulate(pub, []byte("prof-1"), []byte("2026-10"))
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	other, err := kem.Decapsulate(priv, ct, []byte("prof-2"), []byte("2026-10"))
	if err != nil {
		t.Fatalf("Decapsulate failed: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("a different professor context must derive a different key")
	}
}

func TestTruncatedCiphertextRejected(t *testing.T) {
	pub, priv := derive(t, "authority-secret")
	ct, _, err := kem.Encapsulate(pub, nil, nil)
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	if _, err := kem.Decapsulate(priv, ct[:len(ct)-1], nil, nil); err == nil {
		t.Fatal("truncated ciphertext should be rejected")
	}
}
