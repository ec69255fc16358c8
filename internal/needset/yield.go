package needset

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/storage"
)

// YieldModel is the per-category learning artifact: which hosts have
// historically supplied winning evidence for which fields. The query
// planner uses it to bias next-round queries toward proven hosts.
type YieldModel struct {
	Category string                    `json:"category"`
	Fields   map[string]map[string]int `json:"fields"`
}

// NewYieldModel starts an empty model for the category.
func NewYieldModel(category string) *YieldModel {
	return &YieldModel{Category: category, Fields: map[string]map[string]int{}}
}

// LoadYieldModel reads the persisted model, or starts fresh when none
// exists yet.
func LoadYieldModel(ctx context.Context, s storage.Store, category string) (*YieldModel, error) {
	key := storage.LearningYield(category)
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "needset: probe yield model")
	}
	if !exists {
		return NewYieldModel(category), nil
	}
	y := NewYieldModel(category)
	if err := storage.GetJSON(ctx, s, key, y); err != nil {
		return nil, eris.Wrap(err, "needset: load yield model")
	}
	if y.Fields == nil {
		y.Fields = map[string]map[string]int{}
	}
	return y, nil
}

// Save persists the model.
func (y *YieldModel) Save(ctx context.Context, s storage.Store) error {
	if err := storage.PutJSON(ctx, s, storage.LearningYield(y.Category), y); err != nil {
		return eris.Wrap(err, "needset: save yield model")
	}
	return nil
}

// Record counts one filled field observed on one host.
func (y *YieldModel) Record(field, host string) {
	if field == "" || host == "" {
		return
	}
	hosts := y.Fields[field]
	if hosts == nil {
		hosts = map[string]int{}
		y.Fields[field] = hosts
	}
	hosts[host]++
}

// RecordResult folds one run's resolution into the model: each filled
// field credits every distinct host in its winning evidence once.
func (y *YieldModel) RecordResult(res *consensus.Result) {
	for field, prov := range res.Provenance {
		if model.IsUnknownValue(prov.Value) {
			continue
		}
		seen := map[string]bool{}
		for _, ev := range prov.Evidence {
			if ev.Host == "" || seen[ev.Host] {
				continue
			}
			seen[ev.Host] = true
			y.Record(field, ev.Host)
		}
	}
}

// TopHosts returns the field's n best hosts by historic yield, count
// descending with host name breaking ties.
func (y *YieldModel) TopHosts(field string, n int) []string {
	hosts := y.Fields[field]
	if len(hosts) == 0 || n <= 0 {
		return nil
	}
	names := make([]string, 0, len(hosts))
	for h := range hosts {
		names = append(names, h)
	}
	sort.Slice(names, func(i, j int) bool {
		if hosts[names[i]] != hosts[names[j]] {
			return hosts[names[i]] > hosts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}
