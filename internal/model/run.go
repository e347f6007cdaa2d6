package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusDiscovering  RunStatus = "discovering"
	RunStatusAnalyzing    RunStatus = "analyzing"
	RunStatusSynthesizing RunStatus = "synthesizing"
	RunStatusValidating   RunStatus = "validating"
	RunStatusEnhancing    RunStatus = "enhancing"
	RunStatusComplete     RunStatus = "complete"
	RunStatusHalted       RunStatus = "halted"
	RunStatusFailed       RunStatus = "failed"
)

// Run is the audit record of one pipeline invocation.
type Run struct {
	ID        string     `json:"id"`
	SubjectID string     `json:"subject_id"`
	RunDate   string     `json:"run_date"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	FinalState   string   `json:"final_state"`
	Score        float64  `json:"score"`
	Enhancements int      `json:"enhancements"`
	HaltReasons  []string `json:"halt_reasons,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// PhaseStatus represents the outcome of one phase attempt.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusBlocked  PhaseStatus = "blocked"
	PhaseStatusFailed   PhaseStatus = "failed"
)

// PhaseResult is the audit entry for one phase attempt within a run.
type PhaseResult struct {
	Phase      Phase              `json:"phase"`
	Status     PhaseStatus        `json:"status"`
	Enhance    bool               `json:"enhance,omitempty"`
	Duration   int64              `json:"duration_ms"`
	Confidence float64            `json:"confidence"`
	Revision   int                `json:"revision"`
	Gate       *QualityGateResult `json:"gate,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// RunPhase is a persisted PhaseResult.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Result    *PhaseResult `json:"result,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
