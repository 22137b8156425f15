// Package keys derives keys and addresses for single ad-hoc keypairs.
//
// Everything here is a pure function of its inputs except GenerateKeypair,
// which reads the system RNG.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/vietddude/distributor/internal/core/domain"
	"golang.org/x/crypto/ripemd160"
)

const (
	SecretSize = 32
	HashSize   = 20
)

// primitives is the process-wide curve state. It is built once on first use by
// curve() and never torn down.
type primitives struct {
	curve *btcec.KoblitzCurve
	order *big.Int
}

var (
	primOnce sync.Once
	prim     *primitives
)

func curve() *primitives {
	primOnce.Do(func() {
		c := btcec.S256()
		prim = &primitives{curve: c, order: c.Params().N}
	})
	return prim
}

// Keypair is a secret plus its cached public-key hash.
type Keypair struct {
	Secret        []byte
	PublicKey     []byte
	PublicKeyHash [HashSize]byte
}

// GenerateKeypair draws a fresh secret from the system RNG.
func GenerateKeypair() (*Keypair, error) {
	secret := make([]byte, SecretSize)
	for {
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEntropy, err)
		}
		// Out-of-range draws happen with probability ~2^-128. Draw again.
		if validScalar(secret) == nil {
			break
		}
	}

	pub, err := DerivePublicKey(secret)
	if err != nil {
		clear(secret)
		return nil, err
	}
	return &Keypair{
		Secret:        secret,
		PublicKey:     pub,
		PublicKeyHash: Hash160(pub),
	}, nil
}

// Zero wipes the secret in place.
func (k *Keypair) Zero() {
	clear(k.Secret)
}

func validScalar(secret []byte) error {
	if len(secret) != SecretSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrInvalidKey, SecretSize, len(secret))
	}
	d := new(big.Int).SetBytes(secret)
	if d.Sign() == 0 {
		return fmt.Errorf("%w: zero scalar", domain.ErrInvalidKey)
	}
	if d.Cmp(curve().order) >= 0 {
		return fmt.Errorf("%w: scalar not below curve order", domain.ErrInvalidKey)
	}
	return nil
}

// DerivePublicKey returns the 33-byte compressed public key for secret.
func DerivePublicKey(secret []byte) ([]byte, error) {
	if err := validScalar(secret); err != nil {
		return nil, err
	}
	priv, pub := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	return pub.SerializeCompressed(), nil
}

// DerivePublicKeyHash returns RIPEMD160(SHA256(compressed public key)).
func DerivePublicKeyHash(secret []byte) ([HashSize]byte, error) {
	pub, err := DerivePublicKey(secret)
	if err != nil {
		return [HashSize]byte{}, err
	}
	return Hash160(pub), nil
}

// Hash160 is RIPEMD160(SHA256(b)).
func Hash160(b []byte) [HashSize]byte {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
