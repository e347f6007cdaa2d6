package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/schema"
)

var (
	// ErrQuorumNotMet means too few sources responded before the discovery
	// deadline. The phase produces no record.
	ErrQuorumNotMet = eris.New("quorum not met")

	// ErrSchemaViolation means a phase payload failed structural or semantic
	// validation. Nothing is coerced; the run halts.
	ErrSchemaViolation = eris.New("schema violation")

	// ErrQualityGateBlocked means a hard quality gate failed and the run
	// halted.
	ErrQualityGateBlocked = eris.New("quality gate blocked")
)

// QuorumError reports how many distinct sources responded.
type QuorumError struct {
	Responded int
	Required  int
	Sources   []string
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%s: %d of %d required sources responded", ErrQuorumNotMet.Error(), e.Responded, e.Required)
}

// Is matches ErrQuorumNotMet.
func (e *QuorumError) Is(target error) bool { return target == ErrQuorumNotMet }

// SchemaError lists every violation found in one payload.
type SchemaError struct {
	Phase      model.Phase
	Violations []schema.Violation
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return fmt.Sprintf("%s in %s payload: %s", ErrSchemaViolation.Error(), e.Phase, strings.Join(msgs, "; "))
}

// Is matches ErrSchemaViolation.
func (e *SchemaError) Is(target error) bool { return target == ErrSchemaViolation }

// GateError carries the blocking gate result verbatim.
type GateError struct {
	Result model.QualityGateResult
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s at %s: %s", ErrQualityGateBlocked.Error(), e.Result.Phase, strings.Join(e.Result.BlockingReasons, "; "))
}

// Is matches ErrQualityGateBlocked.
func (e *GateError) Is(target error) bool { return target == ErrQualityGateBlocked }

// reasons flattens a halting error into the structured reason list.
func reasons(err error) []string {
	var (
		ge *GateError
		se *SchemaError
		qe *QuorumError
	)
	switch {
	case errors.As(err, &ge):
		return append([]string(nil), ge.Result.BlockingReasons...)
	case errors.As(err, &se):
		out := make([]string, 0, len(se.Violations))
		for _, v := range se.Violations {
			out = append(out, fmt.Sprintf("%s: %s", se.Phase, v.String()))
		}
		return out
	case errors.As(err, &qe):
		return []string{qe.Error()}
	case err != nil:
		return []string{err.Error()}
	}
	return nil
}
