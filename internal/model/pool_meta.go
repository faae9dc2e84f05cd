package model

// PoolMeta captures immutable pool metadata.
type PoolMeta struct {
	ChainID        uint64 `json:"chain_id"`
	Address        string `json:"address"`
	Token0         string `json:"token0"`
	Token1         string `json:"token1"`
	Token0Decimals uint8  `json:"token0_decimals"`
	Token1Decimals uint8  `json:"token1_decimals"`
	Fee            uint32 `json:"fee"`
	TickSpacing    int32  `json:"tick_spacing"`
}
