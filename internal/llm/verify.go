package llm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
)

// Verifier re-runs sampled products' extraction with the top ladder model
// on the same evidence pack and reports the delta. The report is written
// by the caller; the run's own output is never touched.
type Verifier struct {
	ex       *Extractor
	rate     float64
	topModel string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewVerifier wires the sampler. rate is clamped to [0,1].
func NewVerifier(ex *Extractor, rate float64, topModel string) *Verifier {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Verifier{
		ex:       ex,
		rate:     rate,
		topModel: topModel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sample reports whether the finishing run falls in the verification sample.
func (v *Verifier) Sample() bool {
	if v.rate <= 0 {
		return false
	}
	if v.rate >= 1 {
		return true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64() < v.rate
}

// VerifyDelta is the verification report for one sampled run.
type VerifyDelta struct {
	RunID     string       `json:"run_id"`
	Model     string       `json:"model"`
	Fields    []FieldDelta `json:"fields"`
	Agreement float64      `json:"agreement"`
	CostUSD   float64      `json:"cost_usd"`
	SampledAt time.Time    `json:"sampled_at"`
}

// FieldDelta compares one published value with the verifier's extraction.
type FieldDelta struct {
	Field    string `json:"field"`
	Baseline any    `json:"baseline"`
	Verified any    `json:"verified,omitempty"`
	Agree    bool   `json:"agree"`
}

// Run re-extracts the pack with the top model and diffs against the
// published fields. Only filled baseline fields are compared.
func (v *Verifier) Run(ctx context.Context, req PackRequest, fields map[string]any) (*VerifyDelta, error) {
	req.ForceModel = v.topModel
	req.BillReason = "verify"
	res, err := v.ex.ExtractPack(ctx, req)
	if err != nil {
		return nil, err
	}

	verified := make(map[string]any, len(res.Promoted))
	for _, c := range res.Promoted {
		if _, ok := verified[c.Field]; !ok {
			verified[c.Field] = c.Value
		}
	}

	delta := &VerifyDelta{
		RunID:     req.RunID,
		Model:     v.topModel,
		CostUSD:   res.CostUSD,
		SampledAt: v.ex.now().UTC(),
	}
	agree := 0
	for _, t := range req.Tasks {
		base, ok := fields[t.Key]
		if !ok || model.IsUnknownValue(base) {
			continue
		}
		fd := FieldDelta{Field: t.Key, Baseline: base}
		if vv, found := verified[t.Key]; found {
			fd.Verified = vv
			fd.Agree = consensus.ValuesAgree(t.Rule, model.NormalizeValue(base), vv)
		}
		if fd.Agree {
			agree++
		}
		delta.Fields = append(delta.Fields, fd)
	}
	if len(delta.Fields) > 0 {
		delta.Agreement = float64(agree) / float64(len(delta.Fields))
	}
	return delta, nil
}
