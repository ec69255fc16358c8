package round

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/fetch"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
)

// searchStage expands the needset into queries and runs them through the
// search pool. Hits land in the planner queues; query failures are logged
// and skipped, never fatal. From round 2 the plan role tops up the list
// when the deterministic templates run dry.
func (c *Controller) searchStage(ctx context.Context, rs *runState, plan roundPlan, round int, sum *model.RoundSummary) {
	budget := plan.queries
	if limit := c.cfg.Round.MaxSearchQueries; limit > 0 {
		if rem := limit - rs.queries; rem < budget {
			budget = rem
		}
	}
	if budget <= 0 {
		return
	}

	queries := rs.qp.Plan(rs.job, rs.needs, budget, rs.issuedQ)
	if round >= 2 && len(queries) < budget {
		queries = append(queries, c.planQueries(ctx, rs, round, budget-len(queries), sum)...)
	}
	if len(queries) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(c.cfg.Pools.Search, 2))
	for _, q := range queries {
		rs.issuedQ[q.Query] = true
		rs.queries++
		if q.Field != "" {
			rs.effort.QueriesByField[q.Field]++
		}
		g.Go(func() error {
			if _, err := rs.planner.RunQuery(gctx, q); err != nil {
				zap.L().Warn("round: search query failed",
					zap.String("query", q.Query),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// planQueries asks the plan role for supplemental queries. Guard blocks
// and parse failures cost nothing; the round keeps whatever the templates
// produced.
func (c *Controller) planQueries(ctx context.Context, rs *runState, round, want int, sum *model.RoundSummary) []needset.PlannedQuery {
	if want <= 0 || len(rs.needs.Needs) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s %s", rs.job.IdentityLock.Brand, rs.job.IdentityLock.Model)
	if v := rs.job.IdentityLock.Variant; v != "" {
		fmt.Fprintf(&b, " %s", v)
	}
	fmt.Fprintf(&b, "\nCategory: %s\n\nOutstanding fields:\n", rs.job.Category)
	for _, n := range rs.needs.Needs {
		fmt.Fprintf(&b, "- %s (%s)\n", n.Field, n.DeficitReason)
	}
	fmt.Fprintf(&b, "\nPropose up to %d web search queries that would surface the outstanding fields.\n", want)
	b.WriteString(`Return {"queries": ["..."]}.`)

	res, err := rs.ex.AskJSON(ctx, llm.RolePlan, llm.AskRequest{
		Job:       rs.job,
		RunID:     rs.runID,
		Round:     round,
		Prompt:    b.String(),
		Model:     rs.router.Model("haiku"),
		MaxTokens: 1024,
		Reason:    "plan",
	})
	if err != nil {
		zap.L().Warn("round: plan role failed", zap.Error(err))
		return nil
	}
	if res.Blocked != "" {
		sum.LLMBlocked++
		if budgetReason(res.Blocked) {
			rs.budgetHit = true
		}
		return nil
	}
	sum.LLMCalls++
	sum.LLMCostUSD += res.CostUSD
	rs.llmCalls++
	rs.llmCost += res.CostUSD

	raw, _ := res.Doc["queries"].([]any)
	var out []needset.PlannedQuery
	for _, item := range raw {
		q, ok := item.(string)
		q = strings.TrimSpace(q)
		if !ok || q == "" || rs.issuedQ[q] {
			continue
		}
		out = append(out, needset.PlannedQuery{Query: q})
		if len(out) == want {
			break
		}
	}
	return out
}

// parseStage runs extraction over the round's fetches under the parse
// pool: persist the source row and raw body, extract candidates, build
// the evidence pack, score source identity, and feed discovered links
// back to the planner. Returned candidates include drops; only packs from
// identity-matched sources qualify for LLM work.
func (c *Controller) parseStage(ctx context.Context, rs *runState, round int, fetched []fetch.SourceResult) ([]model.Candidate, []*model.EvidencePack, error) {
	var (
		mu         sync.Mutex
		roundCands []model.Candidate
		roundPacks []*model.EvidencePack
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(c.cfg.Pools.Parse, 4))
	for i := range fetched {
		fr := fetched[i]
		g.Go(func() error {
			src := fr.Source
			if err := c.db.InsertSource(gctx, rs.job.Category, rs.job.ProductID, src); err != nil {
				return eris.Wrapf(err, "round: insert source %s", src.Host)
			}
			if fr.Page == nil {
				mu.Lock()
				rs.sources[src.SourceID] = src
				rs.effort.BlockedSources++
				mu.Unlock()
				return nil
			}
			if err := rs.sink.SaveRaw(gctx, round, src, fr.Page); err != nil {
				return err
			}

			ext := c.extractor.Extract(gctx, rs.job, rs.rules, src, fr.Page)
			pack := c.builder.Build(src, fr.Page, ext, rs.rules, ext.Candidates)
			if err := rs.sink.SavePack(gctx, round, src, pack); err != nil {
				return err
			}

			si := rs.gate.ScoreSource(src, identityHay(fr.Page, ext), ext.Candidates)
			if fr.Page.HTML != "" {
				rs.planner.DiscoverFromHTML(src.URL, fr.Page.HTML)
			}

			mu.Lock()
			rs.sources[src.SourceID] = src
			rs.scored = append(rs.scored, si)
			rs.effort.SourcesExamined++
			if len(ext.Candidates) == 0 && ext.ArticleText == "" && ext.PDFText == "" {
				rs.effort.FailedParses++
			}
			roundCands = append(roundCands, ext.Candidates...)
			roundCands = append(roundCands, ext.Dropped...)
			if si.Match {
				rs.eligible = append(rs.eligible, ext.Candidates...)
				rs.packs = append(rs.packs, pack)
				roundPacks = append(roundPacks, pack)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return roundCands, roundPacks, nil
}

// llmStage extracts the round's deficit fields from each matched pack
// under the llm pool. The budget guard rules every call; once the run
// cost cap is crossed only essential routes keep going. Returns every
// promoted and dropped candidate for the round's audit insert.
func (c *Controller) llmStage(ctx context.Context, rs *runState, plan roundPlan, round int, provisional *consensus.Result, provNeeds *model.NeedSet, roundPacks []*model.EvidencePack, sum *model.RoundSummary) []model.Candidate {
	tasks := c.fieldTasks(rs, plan, provNeeds)
	if len(tasks) == 0 || len(roundPacks) == 0 {
		return nil
	}
	prime := primeRows(provisional, tasks)

	var (
		mu       sync.Mutex
		llmCands []model.Candidate
	)
	capUSD := c.cfg.Round.MaxCostUSD

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(c.cfg.Pools.LLM, 2))
	for _, pack := range roundPacks {
		g.Go(func() error {
			mu.Lock()
			overCap := capUSD > 0 && rs.llmCost >= capUSD
			mu.Unlock()

			taskSet := tasks
			if overCap {
				taskSet = essentialTasks(tasks)
				if len(taskSet) == 0 {
					mu.Lock()
					sum.LLMBlocked++
					rs.budgetHit = true
					mu.Unlock()
					return nil
				}
			}

			out, err := rs.ex.ExtractPack(gctx, llm.PackRequest{
				Job:   rs.job,
				RunID: rs.runID,
				Round: round,
				Pack:  pack,
				Tasks: taskSet,
				Prime: prime,
			})
			if err != nil {
				zap.L().Warn("round: pack extraction failed",
					zap.String("source_id", pack.SourceID),
					zap.Error(err))
				return nil
			}

			mu.Lock()
			rs.eligible = append(rs.eligible, out.Promoted...)
			llmCands = append(llmCands, out.Promoted...)
			llmCands = append(llmCands, out.Dropped...)
			for _, d := range out.Dropped {
				if d.DropReason == model.DropDanglingSnippetRef {
					rs.dangling++
				}
			}
			for _, blocked := range out.Blocked {
				sum.LLMBlocked++
				if budgetReason(blocked.Reason) {
					rs.budgetHit = true
				}
			}
			sum.LLMCalls += out.Calls
			sum.LLMCostUSD += out.CostUSD
			rs.llmCalls += out.Calls
			rs.llmCost += out.CostUSD
			if overCap {
				rs.budgetHit = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return llmCands
}

// fieldTasks resolves a route for every deficit field, applying the
// round's ladder trim and websearch gate. Fields outside the job's LLM
// target list, and fields without rules or routes, are skipped.
func (c *Controller) fieldTasks(rs *runState, plan roundPlan, needs *model.NeedSet) []llm.FieldTask {
	var targets map[string]bool
	if list := rs.job.Requirements.LLMTargetFields; len(list) > 0 {
		targets = make(map[string]bool, len(list))
		for _, f := range list {
			targets[f] = true
		}
	}

	var tasks []llm.FieldTask
	for i := range needs.Needs {
		need := needs.Needs[i]
		if targets != nil && !targets[need.Field] {
			continue
		}
		rule := rs.rules.Field(need.Field)
		if rule == nil {
			continue
		}
		dec, err := rs.router.Resolve(need.Field, &need)
		if err != nil {
			zap.L().Warn("round: no route for field",
				zap.String("field", need.Field),
				zap.Error(err))
			continue
		}
		if plan.cheap && len(dec.ModelLadder) > 1 {
			dec.ModelLadder = dec.ModelLadder[:1]
		}
		if !plan.websearch {
			dec.EnableWebsearch = false
		}
		tasks = append(tasks, llm.FieldTask{Key: need.Field, Rule: rule, Decision: dec})
	}
	return tasks
}

// essentialTasks keeps only the routes flagged essential.
func essentialTasks(tasks []llm.FieldTask) []llm.FieldTask {
	var out []llm.FieldTask
	for _, t := range tasks {
		if t.Decision.Essential {
			out = append(out, t)
		}
	}
	return out
}

// primeRows ships the already-resolved values when any task's route wants
// the values_plus_prime_sources packet.
func primeRows(res *consensus.Result, tasks []llm.FieldTask) []llm.PrimeRow {
	if res == nil {
		return nil
	}
	wants := false
	for _, t := range tasks {
		if t.Decision.SendPacket == model.PacketValuesPlusPrime {
			wants = true
			break
		}
	}
	if !wants {
		return nil
	}

	fields := make([]string, 0, len(res.Fields))
	for f, v := range res.Fields {
		if !model.IsUnknownValue(v) {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	rows := make([]llm.PrimeRow, 0, len(fields))
	for _, f := range fields {
		row := llm.PrimeRow{Field: f, Value: res.Fields[f]}
		if prov, ok := res.Provenance[f]; ok && len(prov.Evidence) > 0 {
			row.URL = prov.Evidence[0].URL
			row.Tier = prov.Evidence[0].Tier
		}
		rows = append(rows, row)
	}
	return rows
}

// budgetReason reports whether a blocked-call reason means the run is out
// of spend, as opposed to a per-round pacing cap.
func budgetReason(reason string) bool {
	switch reason {
	case llm.BlockProductBudget, llm.BlockMonthlyBudget, llm.BlockMaxCallsPerProduct:
		return true
	}
	return false
}

// identityHay collects the page's identity-bearing text for source
// scoring: title, final URL, headings, and structured product names.
func identityHay(page *model.PageData, ext *extract.Result) string {
	parts := make([]string, 0, 8)
	if t := htmlTitle(page.HTML); t != "" {
		parts = append(parts, t)
	}
	if page.FinalURL != "" {
		parts = append(parts, page.FinalURL)
	} else {
		parts = append(parts, page.URL)
	}
	if ext.Features != nil {
		parts = append(parts, ext.Features.Headings...)
	}
	if ext.Structured != nil {
		for _, raw := range ext.Structured.JSONLD {
			var doc struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(raw, &doc) == nil && doc.Name != "" {
				parts = append(parts, doc.Name)
			}
		}
		if name := ext.Structured.OpenGraph["og:title"]; name != "" {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, " ")
}

// htmlTitle pulls the first <title> text without a full parse.
func htmlTitle(htmlText string) string {
	lower := strings.ToLower(htmlText)
	start := strings.Index(lower, "<title")
	if start < 0 {
		return ""
	}
	open := strings.Index(lower[start:], ">")
	if open < 0 {
		return ""
	}
	rest := htmlText[start+open+1:]
	end := strings.Index(strings.ToLower(rest), "</title")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
