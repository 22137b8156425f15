package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/vietddude/distributor/internal/core/domain"
)

const compressMagic = 0x01

// EncodeWIF renders secret as a compressed-pubkey WIF string for net.
func EncodeWIF(secret []byte, net Network) (string, error) {
	if err := validScalar(secret); err != nil {
		return "", err
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()

	wif, err := btcutil.NewWIF(priv, net.Params, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidWIF, err)
	}
	return wif.String(), nil
}

// DecodeWIF returns the raw secret in text. The version byte must match net.
// Both compressed and uncompressed payloads are accepted.
func DecodeWIF(text string, net Network) ([]byte, error) {
	payload, version, err := base58.CheckDecode(text)
	if err != nil {
		if errors.Is(err, base58.ErrChecksum) {
			return nil, fmt.Errorf("%w: checksum mismatch", domain.ErrInvalidWIF)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidWIF, err)
	}
	defer clear(payload)

	if version != net.WIFVersion() {
		return nil, fmt.Errorf("%w: version 0x%02x is not for %s", domain.ErrInvalidWIF, version, net.Name)
	}

	switch {
	case len(payload) == SecretSize:
	case len(payload) == SecretSize+1 && payload[SecretSize] == compressMagic:
	default:
		return nil, fmt.Errorf("%w: malformed payload", domain.ErrInvalidWIF)
	}

	secret := make([]byte, SecretSize)
	copy(secret, payload[:SecretSize])
	if err := validScalar(secret); err != nil {
		clear(secret)
		return nil, err
	}
	return secret, nil
}
