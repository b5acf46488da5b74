package blindsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// MinKeyBits is the smallest modulus accepted for a signing key.
const MinKeyBits = 2048

// LoadOrGenerate reads the PEM signing key at path. With an empty path and
// allowEphemeral set it generates a fresh key that lives only as long as the
// process; every credential issued under it dies with it.
func LoadOrGenerate(path string, bits int, allowEphemeral bool) (*rsa.PrivateKey, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		return ParsePEM(raw)
	}
	if !allowEphemeral {
		return nil, errors.New("no signing key configured and ephemeral keys are disabled")
	}
	return GenerateKey(bits)
}

func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("rsa key of %d bits is below the %d-bit minimum", bits, MinKeyBits)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// ParsePEM accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") blocks.
func ParsePEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("signing key: no PEM block found")
	}
	var sk *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		sk = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key: PKCS#8 key is not RSA")
		}
		sk = rk
	default:
		return nil, fmt.Errorf("signing key: unsupported PEM type %q", block.Type)
	}
	if sk.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("signing key: %d-bit modulus is below the %d-bit minimum", sk.N.BitLen(), MinKeyBits)
	}
	return sk, nil
}

// EncodePEM serialises sk as a PKCS#8 PEM block.
func EncodePEM(sk *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(sk)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
