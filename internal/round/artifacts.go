package round

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
	"github.com/sells-group/specfactory/internal/specdb"
	"github.com/sells-group/specfactory/internal/storage"
)

// runSink lands fetch byproducts and per-source artifacts in the run's
// tree. It backs the scheduler's screenshot and telemetry hooks and the
// parse stage's raw and extracted writes.
type runSink struct {
	blobs storage.Store
	keys  storage.Keys
	job   *model.ProductJob
	runID string
}

func (s *runSink) key(kind storage.RunArtifactKind, name string) string {
	return s.keys.RunArtifact(s.job.Category, s.job.ProductID, s.runID, kind, name)
}

// SaveScreenshot stores a capture under raw/ and returns its key.
func (s *runSink) SaveScreenshot(ctx context.Context, src model.Source, png []byte) (string, error) {
	key := s.key(storage.KindRaw, src.Host+".png")
	if err := s.blobs.Put(ctx, key, png); err != nil {
		return "", eris.Wrapf(err, "round: save screenshot %s", src.Host)
	}
	return key, nil
}

// AppendTelemetry appends one fetch attempt record to the run's ndjson log.
func (s *runSink) AppendTelemetry(ctx context.Context, row model.FetchTelemetry) error {
	line, err := json.Marshal(row)
	if err != nil {
		return eris.Wrap(err, "round: marshal telemetry")
	}
	key := s.key(storage.KindLogs, "fetch_telemetry.jsonl")
	if err := s.blobs.Append(ctx, key, append(line, '\n')); err != nil {
		return eris.Wrapf(err, "round: append telemetry %s", row.SourceID)
	}
	return nil
}

// SaveRaw stores the fetched body under raw/, named by round and host.
func (s *runSink) SaveRaw(ctx context.Context, round int, src model.Source, page *model.PageData) error {
	name := fmt.Sprintf("r%d_%s", round, src.Host)
	var body []byte
	switch {
	case len(page.PDF) > 0:
		name += ".pdf"
		body = page.PDF
	case page.HTML != "":
		name += ".html"
		body = []byte(page.HTML)
	default:
		name += ".txt"
		body = []byte(page.Text)
	}
	if err := s.blobs.Put(ctx, s.key(storage.KindRaw, name), body); err != nil {
		return eris.Wrapf(err, "round: save raw %s", src.Host)
	}
	return nil
}

// SavePack stores the source's evidence pack under extracted/.
func (s *runSink) SavePack(ctx context.Context, round int, src model.Source, pack *model.EvidencePack) error {
	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "round: marshal pack %s", src.Host)
	}
	name := fmt.Sprintf("r%d_%s.json", round, src.Host)
	if err := s.blobs.Put(ctx, s.key(storage.KindExtracted, name), data); err != nil {
		return eris.Wrapf(err, "round: save pack %s", src.Host)
	}
	return nil
}

// buildRecord assembles the normalized record from the final resolution.
// Unknown fields get their availability-aware reasons; a fatal identity
// conflict blanks every resolved value first, so nothing publishes under
// a contested identity.
func (c *Controller) buildRecord(rs *runState, stop model.StopReason) *model.SpecRecord {
	if rs.res == nil {
		return nil
	}
	res := rs.res

	if rs.idFatal {
		for field, value := range res.Fields {
			if model.IsUnknownValue(value) {
				continue
			}
			res.Fields[field] = model.UnknownSentinel
			delete(res.Provenance, field)
		}
	}

	identityUsable := rs.decision.State == model.IdentityLockedFull ||
		rs.decision.State == model.IdentityProvisional
	rs.reasons = needset.AssignUnknownReasons(res, rs.rules, needset.ReasonContext{
		IdentityLocked:  identityUsable,
		BudgetExhausted: stop == model.StopBudgetExhausted,
		Effort:          rs.effort,
	})
	for field, reason := range rs.reasons {
		fr := res.Reasoning[field]
		fr.UnknownReason = reason
		res.Reasoning[field] = fr
	}

	return &model.SpecRecord{
		Category:   rs.job.Category,
		ProductID:  rs.job.ProductID,
		RunID:      rs.runID,
		Fields:     res.Fields,
		Provenance: res.Provenance,
		Reasoning:  res.Reasoning,
		Summary:    rs.summary,
	}
}

// persistRun writes the run's terminal artifacts: the verification delta
// when sampled, the normalized record and provenance, the needset
// explanation, the run summary, latest pointers, and the relational
// assertion rows. Yield learning saves last and never fails the run.
func (c *Controller) persistRun(ctx context.Context, rs *runState, result *model.RunResult) error {
	cat, pid := rs.job.Category, rs.job.ProductID

	c.verifySample(ctx, rs, result)

	if result.Record != nil {
		if err := c.putJSON(ctx, c.keys.RunArtifact(cat, pid, rs.runID, storage.KindNormalized, "record.json"), result.Record); err != nil {
			return err
		}
		prov := map[string]any{
			"run_id":          rs.runID,
			"provenance":      result.Record.Provenance,
			"field_reasoning": result.Record.Reasoning,
		}
		if err := c.putJSON(ctx, c.keys.RunArtifact(cat, pid, rs.runID, storage.KindProvenance, "provenance.json"), prov); err != nil {
			return err
		}
		if err := c.putJSON(ctx, c.keys.Latest(cat, pid, "record.json"), result.Record); err != nil {
			return err
		}
	}

	needDoc := map[string]any{
		"run_id":          rs.runID,
		"needset":         result.NeedSet,
		"unknown_reasons": rs.reasons,
	}
	if err := c.putJSON(ctx, c.keys.RunArtifact(cat, pid, rs.runID, storage.KindLogs, "needset.json"), needDoc); err != nil {
		return err
	}
	if err := c.putJSON(ctx, c.keys.RunArtifact(cat, pid, rs.runID, storage.KindSummary, "run.json"), result); err != nil {
		return err
	}
	if err := c.putJSON(ctx, c.keys.Latest(cat, pid, "run.json"), result); err != nil {
		return err
	}

	if rs.res != nil {
		assertions, refs := assertionRows(rs)
		if len(assertions) > 0 {
			if err := c.db.InsertAssertions(ctx, assertions); err != nil {
				return eris.Wrap(err, "round: insert assertions")
			}
		}
		if len(refs) > 0 {
			if err := c.db.InsertEvidenceRefs(ctx, refs); err != nil {
				return eris.Wrap(err, "round: insert evidence refs")
			}
		}
	}

	if err := rs.yield.Save(ctx, c.blobs); err != nil {
		zap.L().Warn("round: yield save failed", zap.Error(err))
	}
	return nil
}

// verifySample re-extracts the record's filled fields with the top model
// on the run's richest pack when the run falls in the verification
// sample. The delta is a log artifact; failures never touch the run.
func (c *Controller) verifySample(ctx context.Context, rs *runState, result *model.RunResult) {
	if result.Record == nil || rs.verifier == nil || !rs.verifier.Sample() {
		return
	}
	fields := knownFields(rs.res)
	pack := biggestPack(rs.packs)
	if len(fields) == 0 || pack == nil {
		return
	}

	var tasks []llm.FieldTask
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		rule := rs.rules.Field(f)
		if rule == nil {
			continue
		}
		dec, err := rs.router.Resolve(f, nil)
		if err != nil {
			continue
		}
		tasks = append(tasks, llm.FieldTask{Key: f, Rule: rule, Decision: dec})
	}
	if len(tasks) == 0 {
		return
	}

	delta, err := rs.verifier.Run(ctx, llm.PackRequest{
		Job:   rs.job,
		RunID: rs.runID,
		Round: len(result.Rounds),
		Pack:  pack,
		Tasks: tasks,
	}, fields)
	if err != nil {
		zap.L().Warn("round: verification sample failed", zap.Error(err))
		return
	}

	result.TotalCost += delta.CostUSD
	result.TotalCalls++
	key := c.keys.RunArtifact(rs.job.Category, rs.job.ProductID, rs.runID, storage.KindLogs, "verify_delta.json")
	if err := c.putJSON(ctx, key, delta); err != nil {
		zap.L().Warn("round: verify delta write failed", zap.Error(err))
		return
	}
	zap.L().Info("round: verification sampled",
		zap.Float64("agreement", delta.Agreement),
		zap.Float64("cost_usd", delta.CostUSD))
}

// assertionRows flattens the resolution into relational assertion and
// evidence-ref rows. Unfilled fields produce nothing.
func assertionRows(rs *runState) ([]specdb.Assertion, []specdb.EvidenceRef) {
	res := rs.res
	fields := make([]string, 0, len(res.Fields))
	for f := range res.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var (
		assertions []specdb.Assertion
		refs       []specdb.EvidenceRef
	)
	for _, f := range fields {
		value := res.Fields[f]
		if model.IsUnknownValue(value) {
			continue
		}
		prov := res.Provenance[f]
		assertions = append(assertions, specdb.Assertion{
			RunID:                 rs.runID,
			Category:              rs.job.Category,
			ProductID:             rs.job.ProductID,
			Field:                 f,
			Value:                 value,
			Confidence:            prov.Confidence,
			Confirmations:         prov.Confirmations,
			ApprovedConfirmations: prov.ApprovedConfirmations,
			PassTarget:            prov.PassTarget,
			MeetsPassTarget:       prov.MeetsPassTarget,
		})
		for _, ev := range prov.Evidence {
			refs = append(refs, specdb.EvidenceRef{
				RunID:     rs.runID,
				Field:     f,
				SourceID:  model.SourceID(rs.job.Category, rs.job.ProductID, ev.Host, rs.runID),
				SnippetID: ev.SnippetID,
				URL:       ev.URL,
				Method:    ev.Method,
				Tier:      ev.Tier,
				KeyPath:   ev.KeyPath,
			})
		}
	}
	return assertions, refs
}

// knownFields returns the resolution's filled fields.
func knownFields(res *consensus.Result) map[string]any {
	out := map[string]any{}
	for f, v := range res.Fields {
		if !model.IsUnknownValue(v) {
			out[f] = v
		}
	}
	return out
}

// biggestPack picks the richest pack by bounded size.
func biggestPack(packs []*model.EvidencePack) *model.EvidencePack {
	var best *model.EvidencePack
	for _, p := range packs {
		if best == nil || p.TotalChars > best.TotalChars {
			best = p
		}
	}
	return best
}

func (c *Controller) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "round: marshal %s", key)
	}
	if err := c.blobs.Put(ctx, key, data); err != nil {
		return eris.Wrapf(err, "round: write %s", key)
	}
	return nil
}
