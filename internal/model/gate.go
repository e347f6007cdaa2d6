package model

// GateState is the lifecycle of a quality gate evaluation.
type GateState string

const (
	GatePending GateState = "PENDING"
	GatePassed  GateState = "PASSED"
	GateBlocked GateState = "BLOCKED"
)

// GateCheck is the outcome of one threshold rule.
type GateCheck struct {
	Metric   string  `json:"metric"`
	Measured float64 `json:"measured"`
	Bound    float64 `json:"bound"`
	Kind     string  `json:"kind"` // "min" or "max"
	Hard     bool    `json:"hard"`
	Passed   bool    `json:"passed"`
	Missing  bool    `json:"missing,omitempty"`
}

// QualityGateResult is produced and consumed synchronously by the
// orchestrator. It is logged and written to the run audit trail only.
type QualityGateResult struct {
	Phase           Phase       `json:"phase"`
	State           GateState   `json:"state"`
	Passed          bool        `json:"passed"`
	Threshold       float64     `json:"threshold"`
	Measured        float64     `json:"measured"`
	BlockingReasons []string    `json:"blocking_reasons"`
	Warnings        []string    `json:"warnings,omitempty"`
	Checks          []GateCheck `json:"checks"`
	// Penalty is subtracted from the phase confidence for soft failures.
	Penalty float64 `json:"penalty,omitempty"`
}
