package keys

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	bchcfg "github.com/gcash/bchd/chaincfg"
	"github.com/vietddude/distributor/internal/core/domain"
)

// Network pins the CashAddr prefix and WIF version byte of a chain. Params
// drives WIF encoding; CashParams drives CashAddr.
type Network struct {
	Name           string
	CashAddrPrefix string
	Params         *chaincfg.Params
	CashParams     *bchcfg.Params
}

var (
	Mainnet = Network{Name: "mainnet", CashAddrPrefix: "bitcoincash", Params: &chaincfg.MainNetParams, CashParams: &bchcfg.MainNetParams}
	Testnet = Network{Name: "testnet", CashAddrPrefix: "bchtest", Params: &chaincfg.TestNet3Params, CashParams: &bchcfg.TestNet3Params}
	Regtest = Network{Name: "regtest", CashAddrPrefix: "bchreg", Params: &chaincfg.RegressionNetParams, CashParams: &bchcfg.RegressionNetParams}
)

var networks = []Network{Mainnet, Testnet, Regtest}

// WIFVersion is the leading byte of a WIF string on this network.
func (n Network) WIFVersion() byte {
	return n.Params.PrivateKeyID
}

// NetworkByName resolves a configured network name. Chipnet and both public
// testnets share the test network prefixes.
func NetworkByName(name string) (Network, error) {
	switch domain.NetworkName(strings.ToLower(name)) {
	case domain.NetworkMainnet, "bitcoincash":
		return Mainnet, nil
	case domain.NetworkChipnet, domain.NetworkTestnet, "testnet3", "testnet":
		return Testnet, nil
	case domain.NetworkRegtest:
		return Regtest, nil
	}
	return Network{}, fmt.Errorf("unknown network %q", name)
}

// NetworkByPrefix resolves a CashAddr prefix.
func NetworkByPrefix(prefix string) (Network, bool) {
	for _, n := range networks {
		if n.CashAddrPrefix == prefix {
			return n, true
		}
	}
	return Network{}, false
}
