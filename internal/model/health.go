package model

import "time"

// ServiceHealth is the last observed state of a provider. The gateway
// refreshes it at the start of every discovery; everything else reads it.
type ServiceHealth struct {
	SourceID    string        `json:"source_id"`
	Reachable   bool          `json:"reachable"`
	Latency     time.Duration `json:"latency_ns"`
	LastChecked time.Time     `json:"last_checked"`
	Error       string        `json:"error,omitempty"`
	Circuit     string        `json:"circuit,omitempty"`
}
