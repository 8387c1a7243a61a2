package domain

// Key identifies one tracked wallet: orders are scoped, persisted and
// reconciled per (chain, network, wallet).
type Key struct {
	Chain   string `json:"chain"`
	Network string `json:"network"`
	Wallet  string `json:"wallet"`
}

func (k Key) String() string {
	return k.Chain + "/" + k.Network + "/" + k.Wallet
}
