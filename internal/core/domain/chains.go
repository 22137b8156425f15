package domain

import "fmt"

type NetworkName string

const (
	NetworkChipnet NetworkName = "chipnet"
	NetworkTestnet NetworkName = "testnet4"
	NetworkMainnet NetworkName = "mainnet"
	NetworkRegtest NetworkName = "regtest"
)

// TransportScheme is how an endpoint is reached.
type TransportScheme string

const (
	SchemeWSS TransportScheme = "wss"
	SchemeWS  TransportScheme = "ws"
)

// Endpoint describes one Electrum server. Immutable once configured.
type Endpoint struct {
	Host   string          `yaml:"host"      json:"host"`
	Port   int             `yaml:"port"      json:"port"`
	Scheme TransportScheme `yaml:"transport" json:"transport"`
}

// String returns the dial URL.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// ExplorerBaseURL maps a network to its block explorer.
var ExplorerBaseURL = map[NetworkName]string{
	NetworkChipnet: "https://chipnet.imaginary.cash",
}

// TxLink returns an explorer link for a transaction, or "" when the network has none.
func TxLink(network NetworkName, txid string) string {
	base, ok := ExplorerBaseURL[network]
	if !ok {
		return ""
	}
	return base + "/tx/" + txid
}

// AddressLink returns an explorer link for an address.
func AddressLink(network NetworkName, address string) string {
	base, ok := ExplorerBaseURL[network]
	if !ok {
		return ""
	}
	return base + "/address/" + address
}
