package blindsig

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"math/big"
)

var ErrNotInvertible = errors.New("blindsig: blinding factor not invertible")

// Blind prepares msg for blind signing: it returns FDH(msg)·r^e mod n and the
// blinding factor r, which the client keeps secret until Unblind.
func Blind(random io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, *big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	one := big.NewInt(1)
	for {
		r, err := rand.Int(random, pub.N)
		if err != nil {
			return nil, nil, err
		}
		if r.Cmp(one) <= 0 || new(big.Int).GCD(nil, nil, r, pub.N).Cmp(one) != 0 {
			continue
		}
		m := FullDomainHash(pub, msg)
		re := new(big.Int).Exp(r, big.NewInt(int64(pub.E)), pub.N)
		m.Mul(m, re).Mod(m, pub.N)
		if m.Sign() == 0 {
			continue
		}
		return m.FillBytes(make([]byte, pub.Size())), r, nil
	}
}

// Unblind strips r from a blind signature, yielding an ordinary FDH signature.
func Unblind(pub *rsa.PublicKey, blindSig []byte, r *big.Int) ([]byte, error) {
	rInv := new(big.Int).ModInverse(r, pub.N)
	if rInv == nil {
		return nil, ErrNotInvertible
	}
	s := new(big.Int).SetBytes(blindSig)
	s.Mul(s, rInv).Mod(s, pub.N)
	return s.FillBytes(make([]byte, pub.Size())), nil
}
