package keys

import (
	"fmt"
	"strings"

	"github.com/gcash/bchutil"
	"github.com/vietddude/distributor/internal/core/domain"
)

// AddressType is the CashAddr type tag.
type AddressType byte

const (
	P2PKH AddressType = 0
	P2SH  AddressType = 1
)

func (t AddressType) String() string {
	switch t {
	case P2PKH:
		return "p2pkh"
	case P2SH:
		return "p2sh"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Decoded is the content of a CashAddr string.
type Decoded struct {
	Hash    []byte
	Network Network
	Type    AddressType
}

// EncodeAddress renders a 20-byte hash as a prefixed CashAddr string.
func EncodeAddress(hash []byte, net Network, typ AddressType) (string, error) {
	if net.CashAddrPrefix == "" || net.CashParams == nil {
		return "", fmt.Errorf("%w: network has no prefix", domain.ErrEncoding)
	}

	var (
		addr bchutil.Address
		err  error
	)
	switch typ {
	case P2PKH:
		addr, err = bchutil.NewAddressPubKeyHash(hash, net.CashParams)
	case P2SH:
		addr, err = bchutil.NewAddressScriptHashFromHash(hash, net.CashParams)
	default:
		return "", fmt.Errorf("%w: unsupported address type %d", domain.ErrEncoding, typ)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncoding, err)
	}
	return withPrefix(addr.EncodeAddress(), net.CashAddrPrefix), nil
}

func withPrefix(addr, prefix string) string {
	if strings.HasPrefix(addr, prefix+":") {
		return addr
	}
	return prefix + ":" + addr
}

// DecodeAddress parses a prefixed CashAddr string and verifies its checksum.
// Legacy base58 addresses and unprefixed strings are refused.
func DecodeAddress(text string) (Decoded, error) {
	lower := strings.ToLower(text)
	if lower != text && strings.ToUpper(text) != text {
		return Decoded{}, fmt.Errorf("%w: mixed case", domain.ErrEncoding)
	}

	prefix, _, found := strings.Cut(lower, ":")
	if !found {
		return Decoded{}, fmt.Errorf("%w: missing network prefix", domain.ErrEncoding)
	}
	net, ok := NetworkByPrefix(prefix)
	if !ok {
		return Decoded{}, fmt.Errorf("%w: unknown prefix %q", domain.ErrEncoding, prefix)
	}

	addr, err := bchutil.DecodeAddress(lower, net.CashParams)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", domain.ErrEncoding, err)
	}
	if !addr.IsForNet(net.CashParams) {
		return Decoded{}, fmt.Errorf("%w: address is not for %s", domain.ErrEncoding, net.Name)
	}

	var typ AddressType
	switch addr.(type) {
	case *bchutil.AddressPubKeyHash:
		typ = P2PKH
	case *bchutil.AddressScriptHash:
		typ = P2SH
	default:
		return Decoded{}, fmt.Errorf("%w: unsupported address kind %T", domain.ErrEncoding, addr)
	}

	hash := make([]byte, len(addr.ScriptAddress()))
	copy(hash, addr.ScriptAddress())
	return Decoded{Hash: hash, Network: net, Type: typ}, nil
}
