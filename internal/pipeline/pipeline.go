// Package pipeline drives the Discover → Analyze → Synthesize → Validate
// state machine and the enhancement loop.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/analyze"
	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/gate"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/provider"
	"github.com/sells-group/dasv/internal/reconcile"
	"github.com/sells-group/dasv/internal/schema"
	"github.com/sells-group/dasv/internal/store"
	"github.com/sells-group/dasv/internal/synthesize"
)

const tracerName = "github.com/sells-group/dasv/internal/pipeline"

// Deps are the collaborators of a Pipeline. Runs may be nil to skip the
// audit trail.
type Deps struct {
	Gateway    *provider.Gateway
	Reconciler *reconcile.Engine
	Scorer     *confidence.Scorer
	Schemas    *schema.Validator
	Gates      *gate.Enforcer
	Analyzer   *analyze.Analyzer
	Synth      *synthesize.Synthesizer
	Records    store.Records
	Runs       store.RunStore
	// Now is the injected clock. Nil means time.Now.
	Now func() time.Time
}

// Pipeline orchestrates DASV runs. It is safe for concurrent use. Runs of the
// same subject and run date are serialized.
type Pipeline struct {
	s      Settings
	d      Deps
	now    func() time.Time
	tracer trace.Tracer
	locks  *runLocks
}

// New creates a Pipeline.
func New(s Settings, d Deps) *Pipeline {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		s:      s.withDefaults(),
		d:      d,
		now:    now,
		tracer: otel.Tracer(tracerName),
		locks:  newRunLocks(),
	}
}

// Settings returns the effective settings.
func (p *Pipeline) Settings() Settings { return p.s }

// Params are the per-run inputs. RunDate is always explicit.
type Params struct {
	RunDate  string                `json:"run_date"`
	Category model.ContentCategory `json:"category,omitempty"`
	// Facts limits discovery to these keys. Empty means every configured fact.
	Facts []string `json:"facts,omitempty"`
	// Degraded lets the run continue past quorum misses and gate blocks.
	// Records produced this way are flagged. Schema violations still halt.
	Degraded bool `json:"degraded,omitempty"`
	// RunID attaches the run to an audit row created by the caller.
	RunID string `json:"run_id,omitempty"`
}

// Outcome is the result of one run. It is returned for HALTED runs too,
// together with the halting error.
type Outcome struct {
	RunID        string                             `json:"run_id,omitempty"`
	SubjectID    string                             `json:"subject_id"`
	RunDate      string                             `json:"run_date"`
	State        State                              `json:"state"`
	Path         []State                            `json:"path"`
	Records      map[model.Phase]*model.PhaseRecord `json:"records"`
	Gates        []model.QualityGateResult          `json:"gates"`
	Score        float64                            `json:"score"`
	Passed       bool                               `json:"passed"`
	Enhancements int                                `json:"enhancements"`
	Degraded     bool                               `json:"degraded,omitempty"`
	HaltReasons  []string                           `json:"halt_reasons,omitempty"`
	Warnings     []string                           `json:"warnings,omitempty"`
}

func (p *Pipeline) normalize(subjectID string, params Params) (string, Params, error) {
	subject := model.NormalizeSubject(subjectID)
	if subject == "" {
		return "", params, eris.New("pipeline: subject is required")
	}
	if _, err := time.Parse(time.DateOnly, params.RunDate); err != nil {
		return "", params, eris.Wrapf(err, "pipeline: invalid run date %q", params.RunDate)
	}
	cat, err := model.ParseCategory(string(params.Category))
	if err != nil {
		return "", params, err
	}
	params.Category = cat
	return subject, params, nil
}

// runner holds the state of one Run call.
type runner struct {
	p       *Pipeline
	subject string
	params  Params
	out     *Outcome
	log     *zap.Logger
}

// Run executes the state machine for one subject and run date. It returns
// the Outcome and, for HALTED runs, the halting error (QuorumError,
// SchemaError or GateError).
func (p *Pipeline) Run(ctx context.Context, subjectID string, params Params) (*Outcome, error) {
	subject, params, err := p.normalize(subjectID, params)
	if err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "dasv.run", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("run_date", params.RunDate),
		attribute.String("category", string(params.Category)),
	))
	defer span.End()

	r := &runner{
		p:       p,
		subject: subject,
		params:  params,
		out: &Outcome{
			SubjectID: subject,
			RunDate:   params.RunDate,
			Records:   make(map[model.Phase]*model.PhaseRecord),
			Gates:     []model.QualityGateResult{},
		},
		log: zap.L().With(
			zap.String("component", "pipeline"),
			zap.String("subject", subject),
			zap.String("run_date", params.RunDate),
		),
	}
	r.log.Info("pipeline: starting run")

	switch {
	case params.RunID != "":
		r.out.RunID = params.RunID
	case p.d.Runs != nil:
		run, err := p.d.Runs.CreateRun(ctx, subject, params.RunDate)
		if err != nil {
			r.log.Warn("pipeline: failed to create run", zap.Error(err))
		} else {
			r.out.RunID = run.ID
		}
	}

	unlock, err := p.locks.acquire(ctx, runKey(subject, params.RunDate))
	if err != nil {
		r.out.State = StateHalted
		r.log.Error("pipeline: run not started", zap.Error(err))
		r.finish(ctx, err)
		return r.out, err
	}
	defer unlock()

	state := StateDiscover
	if p.belowTarget(ctx, subject, params.RunDate) {
		r.log.Info("pipeline: prior validation below target, revalidating before enhancement")
		state = StateValidate
	}
	r.out.Path = append(r.out.Path, state)
	r.setStatus(ctx, state)

	var haltErr error
	for !state.Terminal() {
		next, stepErr := r.step(ctx, state)
		if stepErr != nil {
			haltErr = stepErr
			next = StateHalted
		}
		var tErr error
		if state, tErr = transition(state, next); tErr != nil {
			return r.out, tErr
		}
		r.out.Path = append(r.out.Path, state)
		r.setStatus(ctx, state)
	}
	r.out.State = state

	if haltErr != nil {
		r.out.HaltReasons = reasons(haltErr)
		span.RecordError(haltErr)
		span.SetStatus(codes.Error, haltErr.Error())
		r.log.Error("pipeline: run halted", zap.Strings("reasons", r.out.HaltReasons), zap.Error(haltErr))
	} else {
		r.log.Info("pipeline: run complete",
			zap.Float64("score", r.out.Score),
			zap.Bool("passed", r.out.Passed),
			zap.Int("enhancements", r.out.Enhancements),
		)
	}
	r.finish(ctx, haltErr)
	return r.out, haltErr
}

func (r *runner) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateDiscover:
		if _, err := r.execute(ctx, state, r.discoverPhase); err != nil {
			return "", err
		}
		return StateAnalyze, nil
	case StateEnhance:
		if _, err := r.execute(ctx, state, r.enhancePhase); err != nil {
			return "", err
		}
		r.out.Enhancements++
		return StateAnalyze, nil
	case StateAnalyze:
		if _, err := r.execute(ctx, state, r.analyzePhase); err != nil {
			return "", err
		}
		return StateSynthesize, nil
	case StateSynthesize:
		if _, err := r.execute(ctx, state, r.synthesizePhase); err != nil {
			return "", err
		}
		return StateValidate, nil
	case StateValidate:
		if _, err := r.execute(ctx, state, r.validatePhase); err != nil {
			return "", err
		}
		if !r.out.Passed && r.p.s.EnhanceEnabled && r.out.Enhancements < r.p.s.MaxPasses {
			r.log.Info("pipeline: validation below target, entering enhancement",
				zap.Float64("score", r.out.Score),
				zap.Float64("target", r.p.s.Target),
				zap.Int("pass", r.out.Enhancements+1),
			)
			return StateEnhance, nil
		}
		return StateDone, nil
	}
	return "", eris.Errorf("pipeline: no handler for state %s", state)
}

// phaseOutput is what a phase function hands to execute.
type phaseOutput struct {
	payload    any
	confidence float64
	measured   map[string]float64
	degraded   bool
}

// execute runs one phase: produce, schema-validate, gate, persist, audit.
func (r *runner) execute(ctx context.Context, state State, fn func(ctx context.Context) (*phaseOutput, error)) (*model.PhaseRecord, error) {
	phase := phaseOf(state)
	ctx, span := r.p.tracer.Start(ctx, "dasv."+string(phase), trace.WithAttributes(
		attribute.String("subject", r.subject),
		attribute.String("run_date", r.params.RunDate),
		attribute.Bool("enhance", state == StateEnhance),
	))
	defer span.End()

	start := time.Now()
	result := &model.PhaseResult{Phase: phase, Enhance: state == StateEnhance}
	rec, err := r.produce(ctx, state, result, fn)
	result.Duration = time.Since(start).Milliseconds()

	log := r.log.With(zap.String("phase", string(phase)), zap.Int64("duration_ms", result.Duration))
	var ge *GateError
	switch {
	case err == nil:
		result.Status = model.PhaseStatusComplete
		span.SetAttributes(attribute.Float64("confidence", result.Confidence))
		log.Info("pipeline: phase complete", zap.Float64("confidence", result.Confidence))
	case errors.As(err, &ge):
		result.Status = model.PhaseStatusBlocked
		result.Error = err.Error()
		log.Error("pipeline: quality gate blocked", zap.Strings("reasons", ge.Result.BlockingReasons))
	default:
		result.Status = model.PhaseStatusFailed
		result.Error = err.Error()
		log.Error("pipeline: phase failed", zap.Error(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if r.p.d.Runs != nil && r.out.RunID != "" {
		if _, auditErr := r.p.d.Runs.RecordPhase(ctx, r.out.RunID, result); auditErr != nil {
			log.Warn("pipeline: failed to record phase", zap.Error(auditErr))
		}
	}
	return rec, err
}

func (r *runner) produce(ctx context.Context, state State, result *model.PhaseResult, fn func(ctx context.Context) (*phaseOutput, error)) (*model.PhaseRecord, error) {
	phase := phaseOf(state)
	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	schemaID := schema.ForPhase(phase)
	if res := r.p.d.Schemas.Validate(out.payload, schemaID); !res.OK {
		return nil, &SchemaError{Phase: phase, Violations: res.Violations}
	}

	measured := make(map[string]float64, len(out.measured)+1)
	for k, v := range out.measured {
		measured[k] = v
	}
	measured[gate.MetricConfidence] = out.confidence
	g := r.p.d.Gates.Evaluate(phase, measured)
	result.Gate = &g
	r.out.Gates = append(r.out.Gates, g)
	for _, w := range g.Warnings {
		r.log.Warn("pipeline: soft quality gate failed", zap.String("phase", string(phase)), zap.String("warning", w))
		r.out.Warnings = append(r.out.Warnings, string(phase)+": "+w)
	}

	degraded := out.degraded
	if !g.Passed && r.params.Degraded {
		degraded = true
		for _, reason := range g.BlockingReasons {
			r.log.Warn("pipeline: gate block downgraded in degraded mode", zap.String("phase", string(phase)), zap.String("reason", reason))
			r.out.Warnings = append(r.out.Warnings, string(phase)+": degraded: "+reason)
		}
	}

	conf := gate.ApplyPenalty(out.confidence, g)
	rec, err := model.NewPhaseRecord(r.subject, r.params.RunDate, phase, r.p.d.Schemas.Version(schemaID), out.payload, conf, r.p.now())
	if err != nil {
		return nil, err
	}
	rec.Degraded = degraded

	// A blocked record never becomes current, so the last passing record
	// (an enhanced Discovery included) stays the input of later phases.
	blocked := !g.Passed && !r.params.Degraded
	switch {
	case blocked:
		err = r.p.d.Records.Quarantine(ctx, rec)
	case state == StateEnhance:
		err = r.p.d.Records.Overwrite(ctx, rec)
	default:
		err = r.p.d.Records.Append(ctx, rec)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: persist %s record", phase)
	}

	result.Confidence = conf
	result.Revision = rec.Revision
	r.out.Records[phase] = rec
	r.out.Degraded = r.out.Degraded || degraded

	if blocked {
		r.log.Warn("pipeline: blocked record quarantined", zap.String("phase", string(phase)), zap.Int("revision", rec.Revision))
		return rec, &GateError{Result: g}
	}
	return rec, nil
}

func (r *runner) setStatus(ctx context.Context, state State) {
	if r.p.d.Runs == nil || r.out.RunID == "" {
		return
	}
	if err := r.p.d.Runs.UpdateRunStatus(ctx, r.out.RunID, runStatus(state)); err != nil {
		r.log.Warn("pipeline: failed to update status", zap.Error(err))
	}
}

func (r *runner) finish(ctx context.Context, haltErr error) {
	if r.p.d.Runs == nil || r.out.RunID == "" {
		return
	}
	status := runStatus(r.out.State)
	res := &model.RunResult{
		FinalState:   string(r.out.State),
		Score:        r.out.Score,
		Enhancements: r.out.Enhancements,
		HaltReasons:  r.out.HaltReasons,
	}
	if haltErr != nil {
		res.Error = haltErr.Error()
		if !halting(haltErr) {
			status = model.RunStatusFailed
		}
	}
	// The run context may already be cancelled; the audit write should land.
	if err := r.p.d.Runs.FinishRun(context.WithoutCancel(ctx), r.out.RunID, status, res); err != nil {
		r.log.Warn("pipeline: failed to finish run", zap.Error(err))
	}
}

// halting reports whether err is one of the quality taxonomy errors rather
// than an infrastructure failure.
func halting(err error) bool {
	return errors.Is(err, ErrQuorumNotMet) || errors.Is(err, ErrSchemaViolation) || errors.Is(err, ErrQualityGateBlocked)
}

// latest loads and decodes the current record of a phase. A blocked record
// is never an input.
func (r *runner) latest(ctx context.Context, phase model.Phase, v any) (*model.PhaseRecord, error) {
	rec, err := r.p.d.Records.Latest(ctx, r.subject, r.params.RunDate, phase)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load %s record", phase)
	}
	if rec.Blocked {
		return nil, eris.Wrapf(ErrQualityGateBlocked, "pipeline: %s record revision %d is blocked", phase, rec.Revision)
	}
	if err := rec.Decode(v); err != nil {
		return nil, err
	}
	return rec, nil
}

// belowTarget reports whether a prior Validation record for the subject and
// date scored under target, so the run should revalidate and enhance instead
// of starting over. Any missing or blocked record in the chain means a fresh
// discovery.
func (p *Pipeline) belowTarget(ctx context.Context, subject, runDate string) bool {
	if !p.s.EnhanceEnabled || p.s.MaxPasses <= 0 {
		return false
	}
	rec, err := p.d.Records.Latest(ctx, subject, runDate, model.PhaseValidate)
	if err != nil || rec.Blocked {
		return false
	}
	var v model.ValidationPayload
	if err := rec.Decode(&v); err != nil {
		return false
	}
	if v.OverallScore >= p.s.Target {
		return false
	}
	for _, ph := range []model.Phase{model.PhaseDiscover, model.PhaseAnalyze, model.PhaseSynthesize} {
		prior, err := p.d.Records.Latest(ctx, subject, runDate, ph)
		if err != nil || prior.Blocked {
			return false
		}
	}
	return true
}

func (r *runner) analyzePhase(ctx context.Context) (*phaseOutput, error) {
	var d model.DiscoveryPayload
	drec, err := r.latest(ctx, model.PhaseDiscover, &d)
	if err != nil {
		return nil, err
	}
	a := r.p.d.Analyzer.Analyze(d, r.params.Category)
	return &phaseOutput{
		payload:    a,
		confidence: analyze.Confidence(a, drec.OverallConfidence),
		measured:   map[string]float64{gate.MetricCoverage: analyze.Coverage(a)},
		degraded:   drec.Degraded,
	}, nil
}

func (r *runner) synthesizePhase(ctx context.Context) (*phaseOutput, error) {
	var (
		d model.DiscoveryPayload
		a model.AnalysisPayload
	)
	drec, err := r.latest(ctx, model.PhaseDiscover, &d)
	if err != nil {
		return nil, err
	}
	arec, err := r.latest(ctx, model.PhaseAnalyze, &a)
	if err != nil {
		return nil, err
	}
	s, err := r.p.d.Synth.Synthesize(ctx, d, a, r.params.Category, arec.OverallConfidence)
	if err != nil {
		return nil, err
	}
	return &phaseOutput{
		payload:    s,
		confidence: synthesize.Confidence(s, arec.OverallConfidence, len(d.Facts)),
		degraded:   drec.Degraded || arec.Degraded,
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
