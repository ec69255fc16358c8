package round

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/fetch"
	"github.com/sells-group/specfactory/internal/gate"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
	"github.com/sells-group/specfactory/internal/planner"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// runState carries everything one run builds and accumulates across rounds.
type runState struct {
	job   *model.ProductJob
	runID string
	rules *rulestore.CategoryRules

	gate     *gate.IdentityGate
	engine   *consensus.Engine
	deriver  *needset.Deriver
	qp       *needset.QueryPlanner
	yield    *needset.YieldModel
	planner  *planner.Planner
	sched    *fetch.Scheduler
	router   *llm.Router
	ex       *llm.Extractor
	verifier *llm.Verifier
	sink     *runSink

	sources  map[string]model.Source
	eligible []model.Candidate // candidates admitted to consensus
	scored   []gate.SourceIdentity
	packs    []*model.EvidencePack // identity-matched packs across rounds
	needs    *model.NeedSet
	issuedQ  map[string]bool
	effort   needset.EffortStats
	dangling int

	urls     int
	queries  int
	llmCalls int
	llmCost  float64

	res      *consensus.Result
	decision gate.Decision
	summary  model.RecordSummary
	reasons  map[string]model.UnknownReason

	idFatal     bool
	budgetHit   bool
	yieldStreak int
	prevConf    float64
	prevFilled  map[string]bool
}

// Run executes one product run to termination and returns its full
// outcome. The returned result is non-nil whenever a run started, even on
// pipeline errors; callers map result.Status to the process exit code.
func (c *Controller) Run(ctx context.Context, job *model.ProductJob, mode model.RunMode) (*model.RunResult, error) {
	return c.run(ctx, job, mode, mode.MaxRounds())
}

// RunUntilComplete runs with an explicit round cap in place of the mode's
// default. A cap of zero or less falls back to the mode.
func (c *Controller) RunUntilComplete(ctx context.Context, job *model.ProductJob, mode model.RunMode, maxRounds int) (*model.RunResult, error) {
	if maxRounds <= 0 {
		maxRounds = mode.MaxRounds()
	}
	return c.run(ctx, job, mode, maxRounds)
}

func (c *Controller) run(ctx context.Context, job *model.ProductJob, mode model.RunMode, maxRounds int) (*model.RunResult, error) {
	if err := job.Validate(); err != nil {
		return nil, eris.Wrap(err, "round: invalid job")
	}

	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("category", job.Category),
		zap.String("product_id", job.ProductID),
	)

	result := &model.RunResult{
		RunID:     runID,
		Category:  job.Category,
		ProductID: job.ProductID,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}

	if c.cfg.Round.MaxRunSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.Round.MaxRunSeconds)*time.Second)
		defer cancel()
	}

	rules, err := c.rules.Category(ctx, job.Category)
	if err != nil {
		return c.fail(result, eris.Wrapf(err, "round: load rules for %s", job.Category))
	}

	rs, err := c.newRunState(ctx, job, rules, runID)
	if err != nil {
		return c.fail(result, err)
	}
	queued := rs.planner.Stats()
	log.Info("round: run starting",
		zap.String("mode", string(mode)),
		zap.Int("max_rounds", maxRounds),
		zap.Int("queued", queued.Approved+queued.Candidate),
	)

	var stop model.StopReason
	for round := 0; round < maxRounds; round++ {
		sum, roundErr := c.runRound(ctx, rs, round)
		if roundErr != nil {
			log.Error("round: round failed", zap.Int("round", round), zap.Error(roundErr))
			result.Error = roundErr.Error()
			stop = model.StopPipelineError
			sum.StopReason = stop
			result.Rounds = append(result.Rounds, sum)
			break
		}
		stop = evaluateStop(ctx, rs, round, maxRounds)
		sum.StopReason = stop
		result.Rounds = append(result.Rounds, sum)
		log.Info("round: complete",
			zap.Int("round", round),
			zap.Int("urls_fetched", sum.URLsFetched),
			zap.Int("llm_calls", sum.LLMCalls),
			zap.Float64("llm_cost_usd", sum.LLMCostUSD),
			zap.Int("fields_gained", sum.FieldsGained),
			zap.Float64("confidence_delta", sum.ConfidenceDelta),
			zap.String("stop_reason", string(stop)),
		)
		if stop != "" {
			break
		}
	}

	result.Status = statusFor(stop)
	result.StopReason = stop
	result.NeedSet = rs.needs
	result.Record = c.buildRecord(rs, stop)
	result.TotalCost = rs.llmCost
	result.TotalCalls = rs.llmCalls
	result.FinishedAt = time.Now().UTC()

	// Terminal writes run detached so an expired run budget cannot lose
	// the record or the ledger rows.
	if err := c.persistRun(context.WithoutCancel(ctx), rs, result); err != nil {
		log.Error("round: persist failed", zap.Error(err))
		result.Status = model.RunFailed
		result.StopReason = model.StopPipelineError
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result, eris.Wrap(err, "round: persist run")
	}

	log.Info("round: run finished",
		zap.String("status", string(result.Status)),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("rounds", len(result.Rounds)),
		zap.Float64("total_cost_usd", result.TotalCost),
	)
	if result.Status == model.RunFailed {
		return result, eris.New(result.Error)
	}
	return result, nil
}

// fail finalizes a result that never reached the round loop.
func (c *Controller) fail(result *model.RunResult, err error) (*model.RunResult, error) {
	result.Status = model.RunFailed
	result.StopReason = model.StopPipelineError
	result.Error = err.Error()
	result.FinishedAt = time.Now().UTC()
	return result, err
}

// newRunState builds the per-run machinery: category router and extractor,
// identity gate, consensus engine, planner with seeds, scheduler with a
// run-scoped artifact sink, and the helper injection when the local
// database knows the product.
func (c *Controller) newRunState(ctx context.Context, job *model.ProductJob, rules *rulestore.CategoryRules, runID string) (*runState, error) {
	router := llm.NewRouter(rules, c.cfg.Anthropic)
	ex := llm.NewExtractor(c.ai, router, c.guard, c.pricer, c.ledger)
	sink := &runSink{blobs: c.blobs, keys: c.keys, job: job, runID: runID}

	yield, err := needset.LoadYieldModel(ctx, c.blobs, job.Category)
	if err != nil {
		zap.L().Warn("round: yield model unavailable, starting empty", zap.Error(err))
		yield = needset.NewYieldModel(job.Category)
	}

	rs := &runState{
		job:        job,
		runID:      runID,
		rules:      rules,
		gate:       gate.NewIdentityGate(job, rules),
		engine:     consensus.NewEngine(rules),
		deriver:    needset.NewDeriver(rules),
		qp:         needset.NewQueryPlanner(rules, yield),
		yield:      yield,
		planner:    planner.New(rules, c.cfg.Planner, c.search, runID),
		sched:      fetch.NewScheduler(fetchConfigFor(c.cfg.Fetch, c.cfg.Pools, rules), c.pacer, c.breakers, sink, c.fetchers...),
		router:     router,
		ex:         ex,
		verifier:   llm.NewVerifier(ex, c.cfg.LLM.VerifySampleRate, router.Model("opus")),
		sink:       sink,
		sources:    map[string]model.Source{},
		issuedQ:    map[string]bool{},
		effort:     needset.EffortStats{QueriesByField: map[string]int{}},
		prevFilled: map[string]bool{},
	}

	rs.planner.Plan(job)
	rs.needs = rs.deriver.Derive(0, rs.engine.Resolve(rs.consensusInput()))

	inj, err := rs.planner.Helper(ctx, c.helper)
	if err != nil {
		zap.L().Warn("round: helper lookup failed", zap.Error(err))
	}
	if inj != nil {
		if err := c.db.InsertSource(ctx, job.Category, job.ProductID, inj.Source); err != nil {
			return nil, eris.Wrap(err, "round: insert helper source")
		}
		if err := c.db.InsertCandidates(ctx, runID, 0, inj.Candidates); err != nil {
			return nil, eris.Wrap(err, "round: insert helper candidates")
		}
		rs.sources[inj.Source.SourceID] = inj.Source
		rs.eligible = append(rs.eligible, inj.Candidates...)
		zap.L().Info("round: helper injection",
			zap.Int("candidates", len(inj.Candidates)))
	}
	return rs, nil
}

// consensusInput assembles the resolver input from everything accumulated.
func (rs *runState) consensusInput() consensus.Input {
	return consensus.Input{
		Candidates:         rs.eligible,
		Sources:            rs.sources,
		IdentityConfidence: rs.decision.Confidence,
		Anchors:            rs.job.Anchors,
	}
}

// runRound executes one full round. A returned error means the round hit
// a pipeline failure (storage or relational writes, or a panic) and the
// run must terminate; ordinary deficits are not errors.
func (c *Controller) runRound(ctx context.Context, rs *runState, round int) (sum model.RoundSummary, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("round: panic", zap.Int("round", round), zap.Any("panic", r))
			err = eris.Errorf("round %d panicked: %v", round, r)
		}
		sum.Round = round
		sum.DurationMs = time.Since(start).Milliseconds()
	}()

	c.guard.StartRound()
	plan := planFor(round, c.cfg.Round)

	var fetched []fetch.SourceResult
	if allowance, open := c.urlAllowance(rs); open {
		rs.planner.StartRound(allowance, plan.ceiling)
		if round >= 1 && c.search != nil {
			c.searchStage(ctx, rs, plan, round, &sum)
		}
		fetched = rs.sched.Run(ctx, rs.planner)
	}
	sum.URLsFetched = len(fetched)
	rs.urls += len(fetched)

	roundCands, roundPacks, err := c.parseStage(ctx, rs, round, fetched)
	if err != nil {
		// A deadline mid-stage is a stop condition, not a failure; the
		// round wraps up with whatever completed.
		if ctx.Err() == nil {
			return sum, err
		}
		err = nil
		roundPacks = nil
	}

	rs.decision = rs.gate.Decide(rs.scored)
	rs.idFatal = identityFatal(rs.decision, rs.scored)

	if !rs.idFatal && len(roundPacks) > 0 {
		// A provisional pass over everything known so far steers the
		// round's LLM work at the current identity confidence.
		provisional := rs.engine.Resolve(rs.consensusInput())
		provNeeds := rs.deriver.Derive(round, provisional)
		llmCands := c.llmStage(ctx, rs, plan, round, provisional, provNeeds, roundPacks, &sum)
		roundCands = append(roundCands, llmCands...)
	}

	if len(roundCands) > 0 {
		if dbErr := c.db.InsertCandidates(ctx, rs.runID, round, roundCands); dbErr != nil {
			if ctx.Err() == nil {
				return sum, eris.Wrap(dbErr, "round: insert candidates")
			}
		}
	}

	rs.res = rs.engine.Resolve(rs.consensusInput())
	rs.yield.RecordResult(rs.res)
	rs.summary = gate.Quality(rs.rules, gate.QualityInput{
		Resolution: rs.res,
		Identity:   rs.decision,
		Targets: gate.QualityTargets{
			Completeness: rs.job.Requirements.TargetCompleteness,
			Confidence:   rs.job.Requirements.TargetConfidence,
		},
		Job:          rs.job,
		DanglingRefs: rs.dangling,
	})
	rs.needs = rs.deriver.Derive(round+1, rs.res)

	gainedAll, gainedRequired := rs.tallyGains()
	confDelta := rs.summary.Confidence - rs.prevConf
	sum.FieldsGained = gainedAll
	sum.ConfidenceDelta = confDelta
	rs.prevConf = rs.summary.Confidence

	eps := c.cfg.Round.MarginalYieldEps
	if eps <= 0 {
		eps = 0.02
	}
	if gainedRequired == 0 && confDelta < eps {
		rs.yieldStreak++
	} else {
		rs.yieldStreak = 0
	}
	return sum, nil
}

// urlAllowance returns the round's fetch allowance from the run-wide URL
// budget, and whether fetching is open at all. A zero or negative config
// leaves rounds unbounded; the planner still enforces its per-product cap.
func (c *Controller) urlAllowance(rs *runState) (int, bool) {
	budget := c.cfg.Round.MaxURLs
	if budget <= 0 {
		return 0, true
	}
	rem := budget - rs.urls
	if rem <= 0 {
		return 0, false
	}
	return rem, true
}

// tallyGains counts fields newly filled this round, total and at the
// required-or-critical levels the marginal-yield stop watches.
func (rs *runState) tallyGains() (all, required int) {
	for field, value := range rs.res.Fields {
		if model.IsUnknownValue(value) || rs.prevFilled[field] {
			continue
		}
		rs.prevFilled[field] = true
		all++
		if rule := rs.rules.Field(field); rule != nil {
			switch rule.RequiredLevel {
			case model.LevelCritical, model.LevelRequired:
				required++
			}
		}
	}
	return all, required
}

// identityFatal reports the unrecoverable identity state: a standing
// anchor conflict with not one matched source free of conflicts.
func identityFatal(d gate.Decision, scored []gate.SourceIdentity) bool {
	if d.State != model.IdentityConflict || d.AnchorConflicts == 0 {
		return false
	}
	for _, si := range scored {
		if si.Match && si.AnchorConflicts == 0 {
			return false
		}
	}
	return true
}

// evaluateStop applies the stop conditions in precedence order at the
// round boundary. Empty means the run continues.
func evaluateStop(ctx context.Context, rs *runState, round, maxRounds int) model.StopReason {
	switch {
	case rs.idFatal:
		return model.StopIdentityConflict
	case rs.summary.Validated:
		return model.StopSatisfied
	case rs.budgetHit:
		return model.StopBudgetExhausted
	case ctx.Err() != nil:
		return model.StopTimeLimit
	case rs.yieldStreak >= 2 && round >= 2:
		return model.StopMarginalYield
	case round >= maxRounds-1:
		return model.StopMaxRounds
	}
	return ""
}

// statusFor maps the stop reason to the run's terminal status.
func statusFor(stop model.StopReason) model.RunStatus {
	switch stop {
	case model.StopSatisfied:
		return model.RunValidated
	case model.StopIdentityConflict:
		return model.RunAbortedIdentity
	case model.StopPipelineError:
		return model.RunFailed
	default:
		return model.RunExhausted
	}
}
