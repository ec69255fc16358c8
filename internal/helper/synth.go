package helper

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/specfactory/internal/model"
)

// Host is the synthetic host helper sources register under. The planner
// excludes it from fetching; the source exists only to carry candidates.
const Host = "helper_files"

// Injection is the synthetic source plus its candidates for one product.
type Injection struct {
	Source     model.Source
	Candidates []model.Candidate
}

// Synthesize builds the helper_files:// source and its helper_supportive
// candidates from the matched rows. Returns nil when no rows matched.
// Candidate order is deterministic: rows in workbook order, fields sorted.
func Synthesize(category, productID, runID string, rows []Row) *Injection {
	if len(rows) == 0 {
		return nil
	}

	sourceID := model.SourceID(category, productID, Host, runID)
	src := model.Source{
		SourceID:    sourceID,
		URL:         fmt.Sprintf("helper_files://%s/%s", category, productID),
		Host:        Host,
		RootDomain:  Host,
		Tier:        model.TierLabDatabase,
		Role:        model.RoleDatabase,
		FetchMethod: model.FetchHelperFiles,
		FetchedAt:   time.Now().UTC(),
		Outcome:     model.OutcomeOK,
	}

	seen := make(map[string]bool)
	var cands []model.Candidate
	for _, r := range rows {
		fields := make([]string, 0, len(r.Fields))
		for f := range r.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		for _, f := range fields {
			v := r.Fields[f]
			if model.IsUnknownValue(v) {
				continue
			}
			c := model.NewCandidate(f, v, model.MethodHelperSupportive, r.Workbook+"!"+f, sourceID)
			if seen[c.CandidateID] {
				continue
			}
			seen[c.CandidateID] = true
			cands = append(cands, c)
		}
	}

	return &Injection{Source: src, Candidates: cands}
}
