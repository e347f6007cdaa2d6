package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// ErrNotFound is returned when a run or record does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"`
	RunDate   string          `json:"run_date,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// RunStore is the audit trail of pipeline runs. Phase records themselves
// live in the Records store; this only tracks what happened.
type RunStore interface {
	// Runs
	CreateRun(ctx context.Context, subjectID, runDate string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	RecordPhase(ctx context.Context, runID string, result *model.PhaseResult) (*model.RunPhase, error)
	ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Records persists PhaseRecords keyed by (subject, run date, phase).
type Records interface {
	Append(ctx context.Context, rec *model.PhaseRecord) error
	Overwrite(ctx context.Context, rec *model.PhaseRecord) error
	Latest(ctx context.Context, subjectID, runDate string, phase model.Phase) (*model.PhaseRecord, error)
	History(ctx context.Context, subjectID, runDate string, phase model.Phase) ([]model.PhaseRecord, error)
	Quarantine(ctx context.Context, rec *model.PhaseRecord) error
	Quarantined(ctx context.Context, subjectID, runDate string, phase model.Phase) (*model.PhaseRecord, error)
}

// Open creates and migrates the run store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (RunStore, error) {
	var (
		st  RunStore
		err error
	)
	switch cfg.Driver {
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "dasv.db"
		}
		st, err = NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
