package model

// StepRow is the keeper state after one backtest step.
type StepRow struct {
	Run   string `json:"run"`
	Step  int    `json:"step"`
	Block uint64 `json:"block"`
	Tick  int32  `json:"tick"`
	Price string `json:"price"`

	State      string `json:"state"`
	Axis       string `json:"axis"`
	Iterations int    `json:"iterations"`
	Converged  bool   `json:"converged"`
	Error      string `json:"error,omitempty"`

	Immediate0     string `json:"immediate0"`
	Immediate1     string `json:"immediate1"`
	Passive0       string `json:"passive0"`
	Passive1       string `json:"passive1"`
	LowerTickLower int32  `json:"lower_tick_lower"`
	LowerTickUpper int32  `json:"lower_tick_upper"`
	LowerLiquidity string `json:"lower_liquidity"`
	UpperTickLower int32  `json:"upper_tick_lower"`
	UpperTickUpper int32  `json:"upper_tick_upper"`
	UpperLiquidity string `json:"upper_liquidity"`
	// Capital is every compartment valued in token1 at the step price.
	Capital string `json:"capital"`
}
