// Package blindsig is the blind signature authority: it owns the RSA keypair,
// blind-signs client-blinded messages and verifies unblinded signatures over
// the canonical token message.
//
// Signatures are RSA full-domain-hash signatures. FDH(m) is SHAKE256(m)
// squeezed to the modulus byte length, read big-endian and reduced mod n.
// A client blinds FDH(m)·r^e, the authority returns (FDH(m)·r^e)^d, and the
// client unblinds by multiplying with r⁻¹.
package blindsig

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"golang.org/x/crypto/sha3"

	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
	"github.com/collapsinghierarchy/blindreview/pkc/kem"
)

var (
	ErrInvalidInput  = errors.New("blindsig: blinded message out of range")
	ErrSigningFailed = errors.New("blindsig: signing failed")
)

// Authority is immutable after New and safe for concurrent use.
type Authority struct {
	sk      *rsa.PrivateKey
	signer  blindrsa.Signer
	kemPub  []byte
	kemPriv []byte
}

// New builds an authority around sk. The hybrid KEM keypair used for the
// post-quantum envelope is derived from the private exponent.
func New(sk *rsa.PrivateKey) (*Authority, error) {
	if sk == nil {
		return nil, errors.New("blindsig: nil private key")
	}
	if err := sk.Validate(); err != nil {
		return nil, fmt.Errorf("blindsig: invalid private key: %w", err)
	}
	sk.Precompute()
	kemPub, kemPriv, err := kem.DeriveKeyPair(sk.D.Bytes())
	if err != nil {
		return nil, fmt.Errorf("blindsig: derive kem keypair: %w", err)
	}
	return &Authority{
		sk:      sk,
		signer:  blindrsa.NewSigner(sk),
		kemPub:  kemPub,
		kemPriv: kemPriv,
	}, nil
}

// PublicKeyComponents returns (n, e). The returned modulus is a copy.
func (a *Authority) PublicKeyComponents() (*big.Int, int) {
	return new(big.Int).Set(a.sk.N), a.sk.E
}

// PublicKey returns a copy of the RSA public key.
func (a *Authority) PublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{N: new(big.Int).Set(a.sk.N), E: a.sk.E}
}

// KEMPublicKey returns the binary hybrid KEM public key.
func (a *Authority) KEMPublicKey() []byte {
	return append([]byte(nil), a.kemPub...)
}

// ModulusLen is k, the byte length of n.
func (a *Authority) ModulusLen() int { return a.sk.Size() }

// SignBlinded computes blinded^d mod n. The input must be 0 < m < n.
func (a *Authority) SignBlinded(blinded []byte) ([]byte, error) {
	if len(blinded) == 0 || len(blinded) > a.ModulusLen() {
		return nil, ErrInvalidInput
	}
	m := new(big.Int).SetBytes(blinded)
	if m.Sign() <= 0 || m.Cmp(a.sk.N) >= 0 {
		return nil, ErrInvalidInput
	}
	sig, err := a.signer.BlindSign(m.FillBytes(make([]byte, a.ModulusLen())))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// Verify checks sig over msg. It returns false for any malformed input.
func (a *Authority) Verify(msg, sig []byte) bool {
	return VerifyWith(&a.sk.PublicKey, msg, sig)
}

// UnwrapKey recovers the symmetric content key of a pending review.
func (a *Authority) UnwrapKey(scheme string, encryptedKey []byte, profID, cycleID string) ([]byte, error) {
	switch scheme {
	case envelope.SchemeRSAOAEP:
		return envelope.UnwrapRSA(a.sk, encryptedKey)
	case envelope.SchemeHybridKEM:
		return envelope.UnwrapKEM(a.kemPriv, encryptedKey, profID, cycleID)
	default:
		return nil, envelope.ErrUnknownScheme
	}
}

// Recipient returns the public keys clients seal review envelopes to.
func (a *Authority) Recipient() envelope.Recipient {
	return envelope.Recipient{RSA: a.PublicKey(), KEM: a.KEMPublicKey()}
}

// CanonicalMessage is the bit-exact signed token message.
func CanonicalMessage(tokenUUID, profID, cycleID string) []byte {
	return []byte(tokenUUID + "||" + profID + "||" + cycleID)
}

// FullDomainHash maps msg into Z_n.
func FullDomainHash(pub *rsa.PublicKey, msg []byte) *big.Int {
	out := make([]byte, pub.Size())
	sha3.ShakeSum256(out, msg)
	h := new(big.Int).SetBytes(out)
	return h.Mod(h, pub.N)
}

// VerifyWith verifies an FDH signature against an arbitrary public key.
func VerifyWith(pub *rsa.PublicKey, msg, sig []byte) bool {
	if pub == nil || pub.N == nil || pub.N.Sign() <= 0 || pub.E < 2 {
		return false
	}
	k := pub.Size()
	if len(sig) == 0 || len(sig) > k {
		return false
	}
	s := new(big.Int).SetBytes(sig)
	if s.Sign() <= 0 || s.Cmp(pub.N) >= 0 {
		return false
	}
	h := FullDomainHash(pub, msg)
	if h.Sign() == 0 {
		return false
	}
	got := new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N)
	return subtle.ConstantTimeCompare(got.FillBytes(make([]byte, k)), h.FillBytes(make([]byte, k))) == 1
}
