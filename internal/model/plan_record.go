package model

import "encoding/json"

// PlanRecord is one live keeper invocation and the instructions it produced.
type PlanRecord struct {
	Pool          string          `json:"pool"`
	ParamsVersion uint64          `json:"params_version"`
	OracleTick    int32           `json:"oracle_tick"`
	State         string          `json:"state"`
	Axis          string          `json:"axis"`
	Converged     bool            `json:"converged"`
	Error         string          `json:"error,omitempty"`
	Instructions  json.RawMessage `json:"instructions,omitempty"`
	CreatedAt     string          `json:"created_at"`
}
