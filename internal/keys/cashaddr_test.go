package keys

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/vietddude/distributor/internal/core/domain"
)

func TestAddress_RoundTrip(t *testing.T) {
	for _, net := range []Network{Mainnet, Testnet, Regtest} {
		for _, typ := range []AddressType{P2PKH, P2SH} {
			h := randomHash(t, 20)
			addr, err := EncodeAddress(h, net, typ)
			if err != nil {
				t.Fatalf("EncodeAddress: %v", err)
			}
			if !strings.HasPrefix(addr, net.CashAddrPrefix+":") {
				t.Errorf("address %s missing prefix %s", addr, net.CashAddrPrefix)
			}

			d, err := DecodeAddress(addr)
			if err != nil {
				t.Fatalf("DecodeAddress(%s): %v", addr, err)
			}
			if !bytes.Equal(d.Hash, h) || d.Type != typ || d.Network.Name != net.Name {
				t.Errorf("round trip mismatch for %s: %+v", addr, d)
			}

			upper, err := DecodeAddress(strings.ToUpper(addr))
			if err != nil {
				t.Fatalf("DecodeAddress(upper): %v", err)
			}
			if !bytes.Equal(upper.Hash, h) {
				t.Errorf("upper-case decode mismatch")
			}
		}
	}
}

func TestAddress_PublishedVectors(t *testing.T) {
	p2pkh, err := DecodeAddress("bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a")
	if err != nil {
		t.Fatalf("decode p2pkh vector: %v", err)
	}
	p2sh, err := DecodeAddress("bitcoincash:ppm2qsznhks23z7629mms6s4cwef74vcwvn0h829pq")
	if err != nil {
		t.Fatalf("decode p2sh vector: %v", err)
	}
	if p2pkh.Type != P2PKH || p2sh.Type != P2SH {
		t.Errorf("types = %v, %v", p2pkh.Type, p2sh.Type)
	}
	if !bytes.Equal(p2pkh.Hash, p2sh.Hash) {
		t.Errorf("vectors should share a hash: %x vs %x", p2pkh.Hash, p2sh.Hash)
	}
	if p2pkh.Network.Name != Mainnet.Name {
		t.Errorf("network = %s", p2pkh.Network.Name)
	}

	again, err := EncodeAddress(p2pkh.Hash, Mainnet, P2PKH)
	if err != nil {
		t.Fatalf("EncodeAddress: %v", err)
	}
	if again != "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a" {
		t.Errorf("re-encode = %s", again)
	}
}

func TestDecodeAddress_Failures(t *testing.T) {
	valid, err := EncodeAddress(randomHash(t, 20), Testnet, P2PKH)
	if err != nil {
		t.Fatalf("EncodeAddress: %v", err)
	}

	// Swap the last checksum character for a different valid one.
	last := valid[len(valid)-1]
	repl := byte('q')
	if last == 'q' {
		repl = 'p'
	}
	typo := valid[:len(valid)-1] + string(repl)

	// Change a payload character.
	body := []byte(valid)
	idx := len("bchtest:") + 3
	if body[idx] == 'z' {
		body[idx] = 'r'
	} else {
		body[idx] = 'z'
	}

	mixed := strings.ToUpper(valid[:10]) + valid[10:]

	tests := []struct {
		name string
		text string
	}{
		{"checksum typo", typo},
		{"payload typo", string(body)},
		{"unknown prefix", "bitcoin" + valid[len("bchtest"):]},
		{"missing prefix", valid[len("bchtest:"):]},
		{"mixed case", mixed},
		{"bad character", valid[:len(valid)-2] + "b" + valid[len(valid)-1:]},
		{"truncated", "bchtest:qq"},
		{"legacy base58", "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"},
		{"wrong network prefix", "bchtest:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAddress(tt.text); !errors.Is(err, domain.ErrEncoding) {
				t.Errorf("DecodeAddress(%q) expected ErrEncoding, got %v", tt.text, err)
			}
		})
	}
}

func TestEncodeAddress_Failures(t *testing.T) {
	if _, err := EncodeAddress(make([]byte, 19), Testnet, P2PKH); !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("short hash: expected ErrEncoding, got %v", err)
	}
	if _, err := EncodeAddress(make([]byte, 32), Testnet, P2SH); !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("32-byte hash: expected ErrEncoding, got %v", err)
	}
	if _, err := EncodeAddress(make([]byte, 20), Testnet, AddressType(5)); !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("bad type: expected ErrEncoding, got %v", err)
	}
	if _, err := EncodeAddress(make([]byte, 20), Network{}, P2PKH); !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("no prefix: expected ErrEncoding, got %v", err)
	}
}

func TestNetworks_PrefixMatchesParams(t *testing.T) {
	for _, net := range []Network{Mainnet, Testnet, Regtest} {
		if net.CashParams.CashAddressPrefix != net.CashAddrPrefix {
			t.Errorf("%s: prefix %q, params say %q", net.Name, net.CashAddrPrefix, net.CashParams.CashAddressPrefix)
		}
	}
}
