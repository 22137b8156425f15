package contract

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/vietddude/distributor/internal/core/domain"
)

// CashTokens output prefix layout:
//
//	0xef || category[32] || bitfield || [commitment] || [amount]
//
// The prefix sits in front of the locking bytecode inside the output script.
const (
	tokenPrefixByte byte = 0xef

	tokenHasCommitment byte = 0x40
	tokenHasNFT        byte = 0x20
	tokenHasAmount     byte = 0x10

	maxCommitmentLen = 40
)

var capabilities = map[string]byte{
	domain.CapabilityNone:    0x00,
	domain.CapabilityMutable: 0x01,
	domain.CapabilityMinting: 0x02,
}

// TokenPrefix encodes the token prefix of t. A nil token has no prefix.
func TokenPrefix(t *domain.Token) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	if len(t.Category) != 2*chainhash.HashSize {
		return nil, fmt.Errorf("%w: token category %q", domain.ErrEncoding, t.Category)
	}
	category, err := chainhash.NewHashFromStr(t.Category)
	if err != nil {
		return nil, fmt.Errorf("%w: token category: %v", domain.ErrEncoding, err)
	}

	var (
		bits       byte
		commitment []byte
	)
	if t.NFT != nil {
		capability, ok := capabilities[t.NFT.Capability]
		if !ok {
			return nil, fmt.Errorf("%w: nft capability %q", domain.ErrEncoding, t.NFT.Capability)
		}
		bits |= tokenHasNFT | capability
		if commitment, err = hex.DecodeString(t.NFT.Commitment); err != nil {
			return nil, fmt.Errorf("%w: nft commitment: %v", domain.ErrEncoding, err)
		}
		if len(commitment) > maxCommitmentLen {
			return nil, fmt.Errorf("%w: nft commitment of %d bytes", domain.ErrEncoding, len(commitment))
		}
		if len(commitment) > 0 {
			bits |= tokenHasCommitment
		}
	}
	if t.Amount > math.MaxInt64 {
		return nil, fmt.Errorf("%w: token amount %d", domain.ErrEncoding, t.Amount)
	}
	if t.Amount > 0 {
		bits |= tokenHasAmount
	}
	if bits == 0 {
		return nil, fmt.Errorf("%w: token has neither amount nor nft", domain.ErrEncoding)
	}

	var buf bytes.Buffer
	buf.WriteByte(tokenPrefixByte)
	buf.Write(category[:])
	buf.WriteByte(bits)
	if len(commitment) > 0 {
		if err := wire.WriteVarBytes(&buf, 0, commitment); err != nil {
			return nil, err
		}
	}
	if t.Amount > 0 {
		if err := wire.WriteVarInt(&buf, 0, t.Amount); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// tokenOutput pays value to lockingScript carrying t.
func tokenOutput(value int64, t *domain.Token, lockingScript []byte) (*wire.TxOut, error) {
	prefix, err := TokenPrefix(t)
	if err != nil {
		return nil, err
	}
	script := make([]byte, 0, len(prefix)+len(lockingScript))
	script = append(append(script, prefix...), lockingScript...)
	return wire.NewTxOut(value, script), nil
}
