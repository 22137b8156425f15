package domain

// UTXO is an unspent output as reported by an Electrum server.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
	Token  *Token `json:"token_data,omitempty"`
}

// HasToken reports whether the output carries CashTokens. Plain spends never
// select such outputs.
func (u UTXO) HasToken() bool { return u.Token != nil }

// Token is the CashTokens payload of an output. Category is the genesis
// txid in display byte order.
type Token struct {
	Category string `json:"category"`
	Amount   uint64 `json:"amount"`
	NFT      *NFT   `json:"nft,omitempty"`
}

// NFT capabilities.
const (
	CapabilityNone    = "none"
	CapabilityMutable = "mutable"
	CapabilityMinting = "minting"
)

// NFT is the non-fungible part of a token. Commitment is hex.
type NFT struct {
	Capability string `json:"capability"`
	Commitment string `json:"commitment,omitempty"`
}

// TxStatus is the terminal state of a submitted transaction.
type TxStatus string

const (
	TxStatusBroadcast TxStatus = "broadcast"
	TxStatusRejected  TxStatus = "rejected"
)

// SentTx is the result of a successful broadcast.
type SentTx struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
	Link   string   `json:"link,omitempty"`
}
