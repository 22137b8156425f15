// Package wallet holds the single active burner keypair.
package wallet

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/keys"
)

// Handle is one keypair with its derived address. The secret is only ever
// handed to the signing primitive and to RevealWIF.
type Handle struct {
	secret    []byte
	publicKey []byte
	pkh       [keys.HashSize]byte
	address   string
	network   keys.Network
}

func newHandle(secret []byte, net keys.Network) (*Handle, error) {
	pub, err := keys.DerivePublicKey(secret)
	if err != nil {
		return nil, err
	}
	pkh := keys.Hash160(pub)
	addr, err := keys.EncodeAddress(pkh[:], net, keys.P2PKH)
	if err != nil {
		return nil, err
	}
	return &Handle{
		secret:    secret,
		publicKey: pub,
		pkh:       pkh,
		address:   addr,
		network:   net,
	}, nil
}

func (h *Handle) Address() string {
	return h.address
}

func (h *Handle) PublicKeyHash() [keys.HashSize]byte {
	return h.pkh
}

// PublicKey returns the compressed public key.
func (h *Handle) PublicKey() []byte {
	out := make([]byte, len(h.publicKey))
	copy(out, h.publicKey)
	return out
}

func (h *Handle) Network() keys.Network {
	return h.network
}

// Sign returns a DER-encoded low-S ECDSA signature over a 32-byte digest.
func (h *Handle) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("sign: digest must be 32 bytes, got %d", len(digest))
	}
	if h.wiped() {
		return nil, fmt.Errorf("sign: %w", domain.ErrNoWallet)
	}
	priv, _ := btcec.PrivKeyFromBytes(h.secret)
	defer priv.Zero()
	return ecdsa.Sign(priv, digest).Serialize(), nil
}

// RevealWIF exports the secret. Only call this on an explicit user request.
func (h *Handle) RevealWIF() (string, error) {
	return keys.EncodeWIF(h.secret, h.network)
}

// LogValue keeps the secret out of structured logs.
func (h *Handle) LogValue() slog.Value {
	return slog.GroupValue(slog.String("address", h.address))
}

func (h *Handle) wipe() {
	clear(h.secret)
}

// wiped reports whether the handle was cleared while still referenced.
func (h *Handle) wiped() bool {
	for _, b := range h.secret {
		if b != 0 {
			return false
		}
	}
	return true
}

// Store is a single-slot wallet store. Writers replace the slot atomically.
type Store struct {
	network keys.Network
	current atomic.Pointer[Handle]
	log     *slog.Logger
}

// NewStore creates an empty store bound to net.
func NewStore(net keys.Network) *Store {
	return &Store{network: net, log: slog.Default()}
}

// SetFromGenerated replaces the slot with a fresh random keypair.
func (s *Store) SetFromGenerated() (*Handle, error) {
	kp, err := keys.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	h, err := newHandle(kp.Secret, s.network)
	if err != nil {
		kp.Zero()
		return nil, fmt.Errorf("derive wallet: %w", err)
	}
	s.replace(h)
	s.log.Info("Burner wallet generated", "wallet", h)
	return h, nil
}

// SetFromImported decodes wif and replaces the slot. On any failure the
// previous wallet stays in place.
func (s *Store) SetFromImported(wif string) (*Handle, error) {
	secret, err := keys.DecodeWIF(wif, s.network)
	if err != nil {
		return nil, fmt.Errorf("import wallet: %w", err)
	}
	h, err := newHandle(secret, s.network)
	if err != nil {
		clear(secret)
		return nil, fmt.Errorf("import wallet: %w", err)
	}
	s.replace(h)
	s.log.Info("Wallet imported", "wallet", h)
	return h, nil
}

// Clear empties the slot and wipes the removed secret.
func (s *Store) Clear() {
	if old := s.current.Swap(nil); old != nil {
		old.wipe()
		s.log.Info("Wallet disconnected", "wallet", old)
	}
}

// Current returns the live handle, if any.
func (s *Store) Current() (*Handle, bool) {
	h := s.current.Load()
	return h, h != nil
}

func (s *Store) Network() keys.Network {
	return s.network
}

func (s *Store) replace(h *Handle) {
	if old := s.current.Swap(h); old != nil {
		old.wipe()
	}
}
