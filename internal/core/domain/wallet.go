package domain

// WalletStatus is the read-only view the presentation layer consumes.
// It never carries key material.
type WalletStatus struct {
	Address         string `json:"address"`
	Balance         int64  `json:"balance"`
	Connected       bool   `json:"connected"`
	Deployed        bool   `json:"deployed"`
	ContractAddress string `json:"contract_address,omitempty"`
}
