package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/billing"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/anthropic"
)

// LedgerAppender is the billing sink for call costs.
type LedgerAppender interface {
	Append(ctx context.Context, entry model.BillingEntry) error
}

// websearchMaxUses caps server-side searches per call on routes that
// enable the web search tool.
const websearchMaxUses = 3

// Extractor runs LLM extraction over evidence packs: plan the call, send
// it up the model ladder, parse and schema-check the JSON, verify snippet
// refs against the pack, promote the survivors into candidates.
type Extractor struct {
	client anthropic.Client
	router *Router
	guard  *BudgetGuard
	pricer *billing.Pricer
	ledger LedgerAppender
	now    func() time.Time
}

// NewExtractor wires the extraction loop.
func NewExtractor(client anthropic.Client, router *Router, guard *BudgetGuard, pricer *billing.Pricer, ledger LedgerAppender) *Extractor {
	return &Extractor{
		client: client,
		router: router,
		guard:  guard,
		pricer: pricer,
		ledger: ledger,
		now:    time.Now,
	}
}

// PackRequest is one extraction task against one source's evidence pack.
type PackRequest struct {
	Job        *model.ProductJob
	RunID      string
	Round      int
	Pack       *model.EvidencePack
	Tasks      []FieldTask
	Prime      []PrimeRow
	ForceModel string // overrides every ladder (verification mode)
	BillReason string // ledger reason; defaults to the role
}

// BlockedCall records work the budget guard refused.
type BlockedCall struct {
	Fields []string
	Reason string
}

// PackResult is the outcome of one pack extraction.
type PackResult struct {
	Promoted []model.Candidate
	Dropped  []model.Candidate
	Blocked  []BlockedCall
	Calls    int
	Usage    model.TokenUsage
	CostUSD  float64
}

// callEnvelope is the JSON shape the model must return.
type callEnvelope struct {
	Candidates []callCandidate `json:"candidates"`
}

type callCandidate struct {
	Field        string   `json:"field"`
	Value        any      `json:"value"`
	Unit         string   `json:"unit,omitempty"`
	EvidenceRefs []string `json:"evidence_refs"`
	Confidence   float64  `json:"confidence,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// ExtractPack runs every task group against the pack. Per-group failures
// are outcomes, not errors: blocked and dropped work lands in the result
// and the error return is reserved for context cancellation.
func (e *Extractor) ExtractPack(ctx context.Context, req PackRequest) (*PackResult, error) {
	res := &PackResult{}
	if req.Pack == nil || len(req.Pack.Snippets) == 0 || len(req.Tasks) == 0 {
		return res, nil
	}
	for _, group := range groupTasks(req.Tasks) {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "llm: extraction canceled")
		}
		e.extractGroup(ctx, req, group, res)
	}
	return res, nil
}

// extractGroup runs one call group up its ladder.
func (e *Extractor) extractGroup(ctx context.Context, req PackRequest, tasks []FieldTask, res *PackResult) {
	verdict := e.guard.Admit(ctx, req.Job.Category, req.Job.ProductID, anyEssential(tasks))
	if !verdict.Allowed {
		res.Blocked = append(res.Blocked, BlockedCall{Fields: taskKeys(tasks), Reason: verdict.Reason})
		zap.L().Info("llm: call blocked",
			zap.Strings("fields", taskKeys(tasks)),
			zap.String("reason", verdict.Reason))
		return
	}
	if verdict.EssentialOnly {
		tasks = essentialTasks(tasks)
		if len(tasks) == 0 {
			return
		}
	}

	scope := tasks[0].Decision.Scope
	ladder := tasks[0].Decision.ModelLadder
	if req.ForceModel != "" {
		ladder = []string{req.ForceModel}
	}
	prime := req.Prime
	if tasks[0].Decision.SendPacket != model.PacketValuesPlusPrime {
		prime = nil
	}
	prompt := buildUserPrompt(req.Job, tasks, req.Pack, prime, schemaHint(scope))
	reason := req.BillReason
	if reason == "" {
		reason = string(RoleExtract)
	}
	var search *anthropic.WebSearchSpec
	if tasks[0].Decision.EnableWebsearch {
		search = &anthropic.WebSearchSpec{MaxUses: websearchMaxUses}
	}

	for i, mdl := range ladder {
		if i > 0 {
			v := e.guard.Admit(ctx, req.Job.Category, req.Job.ProductID, anyEssential(tasks))
			if !v.Allowed {
				res.Blocked = append(res.Blocked, BlockedCall{Fields: taskKeys(tasks), Reason: v.Reason})
				return
			}
		}
		if e.router.HighTier(mdl) && !e.guard.TryHighTier() {
			zap.L().Info("llm: high-tier cap reached, stopping ladder",
				zap.Strings("fields", taskKeys(tasks)))
			return
		}

		// A schema violation gets one retry at the same model before the
		// ladder escalates; transport failures escalate immediately.
		var env *callEnvelope
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				v := e.guard.Admit(ctx, req.Job.Category, req.Job.ProductID, anyEssential(tasks))
				if !v.Allowed {
					res.Blocked = append(res.Blocked, BlockedCall{Fields: taskKeys(tasks), Reason: v.Reason})
					return
				}
				if e.router.HighTier(mdl) && !e.guard.TryHighTier() {
					return
				}
			}

			temp := 0.0
			resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:       mdl,
				MaxTokens:   groupMaxTokens(tasks),
				System:      anthropic.BuildCachedSystemBlocks(systemFor(RoleExtract)),
				Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
				Temperature: &temp,
				WebSearch:   search,
			})
			res.Calls++
			if err != nil {
				e.bill(ctx, req, mdl, billing.EstimateUsage(len(prompt), 0), true, reason, res)
				zap.L().Warn("llm: call failed",
					zap.String("model", mdl),
					zap.Error(err))
				if ctx.Err() != nil {
					return
				}
				break
			}
			e.bill(ctx, req, mdl, billing.NormalizeUsage(resp.Usage), false, reason, res)

			env, err = parseEnvelope(finalText(resp), scope)
			if err == nil {
				break
			}
			env = nil
			zap.L().Warn("llm: response rejected",
				zap.String("model", mdl),
				zap.Int("attempt", attempt+1),
				zap.String("stop_reason", resp.StopReason),
				zap.Error(err))
		}
		if env == nil {
			continue
		}
		promoted, dropped := promote(env, tasks, req.Pack)
		res.Dropped = append(res.Dropped, dropped...)
		if len(promoted) == 0 && i+1 < len(ladder) {
			continue
		}
		res.Promoted = append(res.Promoted, promoted...)
		return
	}
}

// AskRequest is one plan- or validate-role call with a caller-built payload.
type AskRequest struct {
	Job       *model.ProductJob
	RunID     string
	Round     int
	Prompt    string
	Model     string
	MaxTokens int64
	Essential bool
	Reason    string
}

// AskResult carries the parsed document or the guard's refusal.
type AskResult struct {
	Doc     map[string]any
	Blocked string
	Usage   model.TokenUsage
	CostUSD float64
}

// AskJSON sends one role-prompted request and returns the fence-stripped,
// parsed JSON object. Extraction goes through ExtractPack instead; this
// entry serves the plan and validate roles.
func (e *Extractor) AskJSON(ctx context.Context, role Role, req AskRequest) (*AskResult, error) {
	res := &AskResult{}
	verdict := e.guard.Admit(ctx, req.Job.Category, req.Job.ProductID, req.Essential)
	if !verdict.Allowed {
		res.Blocked = verdict.Reason
		return res, nil
	}
	if e.router.HighTier(req.Model) && !e.guard.TryHighTier() {
		res.Blocked = BlockMaxHighTier
		return res, nil
	}

	reason := req.Reason
	if reason == "" {
		reason = string(role)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	temp := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemFor(role)),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		e.billAsk(ctx, req, billing.EstimateUsage(len(req.Prompt), 0), true, reason, res)
		return res, eris.Wrapf(err, "llm: %s call", role)
	}
	e.billAsk(ctx, req, billing.NormalizeUsage(resp.Usage), false, reason, res)

	cleaned := cleanJSON(finalText(resp))
	var doc map[string]any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return res, eris.Wrapf(err, "llm: parse %s response", role)
	}
	res.Doc = doc
	return res, nil
}

// promote verifies refs and converts envelope rows into candidates.
func promote(env *callEnvelope, tasks []FieldTask, pack *model.EvidencePack) (promoted, dropped []model.Candidate) {
	byKey := make(map[string]FieldTask, len(tasks))
	for _, t := range tasks {
		byKey[t.Key] = t
	}
	for _, row := range env.Candidates {
		task, ok := byKey[row.Field]
		if !ok {
			zap.L().Warn("llm: candidate for unrequested field", zap.String("field", row.Field))
			continue
		}
		c := model.NewCandidate(row.Field, row.Value, model.MethodLLMExtract, "", pack.SourceID)
		refs, dangling := resolveRefs(row.EvidenceRefs, c.CandidateID, pack)
		if len(dangling) > 0 {
			zap.L().Debug("llm: dangling snippet refs",
				zap.String("field", row.Field),
				zap.Strings("refs", dangling))
		}
		if len(refs) == 0 {
			c.EvidenceRefs = row.EvidenceRefs
			c.DropReason = model.DropDanglingSnippetRef
			dropped = append(dropped, c)
			continue
		}
		c.EvidenceRefs = refs

		need := task.Decision.MinEvidenceRefs
		if need > 1 && len(refs) < need {
			switch task.Decision.OnInsufficient {
			case model.InsufficientProceed:
			case model.InsufficientDowngrade:
				c.LowConfidence = true
			default:
				c.DropReason = model.DropInsufficientRefs
				dropped = append(dropped, c)
				continue
			}
		}
		promoted = append(promoted, c)
	}
	return promoted, dropped
}

// resolveRefs keeps refs that exist in the pack, deduplicated. A candidate
// whose refs all dangle gets one re-bind attempt through the pack's
// candidate bindings before the caller drops it.
func resolveRefs(refs []string, fingerprint string, pack *model.EvidencePack) (ok, dangling []string) {
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		if pack.HasSnippet(r) {
			ok = append(ok, r)
		} else {
			dangling = append(dangling, r)
		}
	}
	if len(ok) == 0 {
		if id, bound := pack.CandidateBindings[fingerprint]; bound && pack.HasSnippet(id) {
			ok = append(ok, id)
		}
	}
	return ok, dangling
}

// parseEnvelope strips fences, validates against the scope schema, and
// decodes the envelope.
func parseEnvelope(text string, scope model.RouteScope) (*callEnvelope, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("llm: empty response")
	}
	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, eris.Wrap(err, "llm: parse response JSON")
	}
	if err := schemaFor(scope).Validate(doc); err != nil {
		return nil, eris.Wrap(err, "llm: response schema")
	}
	var env callEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return nil, eris.Wrap(err, "llm: decode envelope")
	}
	return &env, nil
}

// cleanJSON strips markdown fences and trims to the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// finalText returns the last non-empty text block. Web search responses
// interleave tool blocks with text, and the answer lands after the tools.
func finalText(resp *anthropic.MessageResponse) string {
	for i := len(resp.Content) - 1; i >= 0; i-- {
		if resp.Content[i].Text != "" {
			return resp.Content[i].Text
		}
	}
	return ""
}

func (e *Extractor) bill(ctx context.Context, req PackRequest, mdl string, usage model.TokenUsage, estimated bool, reason string, res *PackResult) {
	entry := model.NewBillingEntry(e.now())
	entry.Provider = "anthropic"
	entry.Model = mdl
	entry.Category = req.Job.Category
	entry.ProductID = req.Job.ProductID
	entry.RunID = req.RunID
	entry.Round = req.Round
	entry.PromptTokens = usage.PromptTokens
	entry.CompletionTokens = usage.CompletionTokens
	entry.CachedPromptTokens = usage.CachedPromptTokens
	entry.CostUSD = e.pricer.Cost(mdl, usage)
	entry.Reason = reason
	entry.Host = req.Pack.Meta.Host
	entry.EvidenceChars = req.Pack.TotalChars
	entry.EstimatedUsage = estimated
	if err := e.ledger.Append(ctx, entry); err != nil {
		zap.L().Error("llm: billing append failed", zap.Error(err))
	}
	res.Usage.Add(usage)
	res.CostUSD += entry.CostUSD
}

func (e *Extractor) billAsk(ctx context.Context, req AskRequest, usage model.TokenUsage, estimated bool, reason string, res *AskResult) {
	entry := model.NewBillingEntry(e.now())
	entry.Provider = "anthropic"
	entry.Model = req.Model
	entry.Category = req.Job.Category
	entry.ProductID = req.Job.ProductID
	entry.RunID = req.RunID
	entry.Round = req.Round
	entry.PromptTokens = usage.PromptTokens
	entry.CompletionTokens = usage.CompletionTokens
	entry.CachedPromptTokens = usage.CachedPromptTokens
	entry.CostUSD = e.pricer.Cost(req.Model, usage)
	entry.Reason = reason
	entry.EstimatedUsage = estimated
	if err := e.ledger.Append(ctx, entry); err != nil {
		zap.L().Error("llm: billing append failed", zap.Error(err))
	}
	res.Usage.Add(usage)
	res.CostUSD += entry.CostUSD
}

// groupTasks batches tasks that share a scope, ladder, and packet shape
// into single calls, preserving first-seen order.
func groupTasks(tasks []FieldTask) [][]FieldTask {
	var keys []string
	groups := make(map[string][]FieldTask)
	for _, t := range tasks {
		key := fmt.Sprintf("%s|%s|%s", t.Decision.Scope, strings.Join(t.Decision.ModelLadder, ","), t.Decision.SendPacket)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], t)
	}
	out := make([][]FieldTask, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out
}

func groupMaxTokens(tasks []FieldTask) int64 {
	maxTok := 1024
	for _, t := range tasks {
		if t.Decision.MaxTokens > maxTok {
			maxTok = t.Decision.MaxTokens
		}
	}
	return int64(maxTok)
}

func anyEssential(tasks []FieldTask) bool {
	for _, t := range tasks {
		if t.Decision.Essential {
			return true
		}
	}
	return false
}

func essentialTasks(tasks []FieldTask) []FieldTask {
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.Decision.Essential {
			out = append(out, t)
		}
	}
	return out
}

func taskKeys(tasks []FieldTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Key)
	}
	return out
}
