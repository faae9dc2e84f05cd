package model

// PriceSample is one pool price read at a block.
type PriceSample struct {
	ChainID      uint64 `json:"chain_id"`
	Pool         string `json:"pool"`
	BlockNumber  uint64 `json:"block_number"`
	Timestamp    uint64 `json:"timestamp"`
	SqrtPriceX96 string `json:"sqrt_price_x96"`
	Tick         int32  `json:"tick"`
	// Price is token1 per token0 adjusted for decimals.
	Price      string `json:"price"`
	Liquidity  string `json:"liquidity,omitempty"`
	ObservedAt string `json:"observed_at"`
}
