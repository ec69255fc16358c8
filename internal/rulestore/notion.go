package rulestore

import (
	"context"
	"strconv"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/notion"
)

// NotionStore loads category rules authored as Notion databases: one for
// field contracts, one for the route matrix, one for the host registry.
// Rows are filtered by a Category select property.
type NotionStore struct {
	client  notion.Client
	fieldDB string
	routeDB string
	hostDB  string
}

// NewNotionStore builds a Notion-backed rule store.
func NewNotionStore(client notion.Client, fieldDB, routeDB, hostDB string) *NotionStore {
	return &NotionStore{client: client, fieldDB: fieldDB, routeDB: routeDB, hostDB: hostDB}
}

// Category queries the three databases and assembles indexed rules.
func (s *NotionStore) Category(ctx context.Context, category string) (*CategoryRules, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Category",
			Select:   &notionapi.SelectFilterCondition{Equals: category},
		},
	}

	fieldPages, err := notion.QueryAll(ctx, s.client, s.fieldDB, filter)
	if err != nil {
		return nil, eris.Wrap(err, "rulestore: load field contracts")
	}

	rules := &CategoryRules{Category: category}
	for _, p := range fieldPages {
		f, err := parseFieldRulePage(p)
		if err != nil {
			zap.L().Warn("rulestore: skipping malformed field page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		rules.Fields = append(rules.Fields, f)
	}
	if len(rules.Fields) == 0 {
		return nil, eris.Errorf("rulestore: category %s has no field rules in notion", category)
	}

	if s.routeDB != "" {
		routePages, err := notion.QueryAll(ctx, s.client, s.routeDB, filter)
		if err != nil {
			return nil, eris.Wrap(err, "rulestore: load route matrix")
		}
		for _, p := range routePages {
			rules.Routes = append(rules.Routes, parseRoutePage(p))
		}
	}

	if s.hostDB != "" {
		hostPages, err := notion.QueryAll(ctx, s.client, s.hostDB, filter)
		if err != nil {
			return nil, eris.Wrap(err, "rulestore: load host registry")
		}
		for _, p := range hostPages {
			host, denied := parseHostPage(p)
			if denied {
				rules.DeniedHosts = append(rules.DeniedHosts, host.Host)
			} else if host.Host != "" {
				rules.ApprovedHosts = append(rules.ApprovedHosts, host)
			}
		}
	}

	rules.Index()
	return rules, nil
}

func parseFieldRulePage(p notionapi.Page) (FieldRule, error) {
	f := FieldRule{}

	if tp, ok := titleProp(p, "Key"); ok {
		f.Key = tp
	}
	f.Name = textProp(p, "Name")
	f.Scope = model.RouteScope(selectProp(p, "Scope"))
	f.DataType = selectProp(p, "DataType")
	f.Unit = textProp(p, "Unit")
	f.RequiredLevel = model.RequiredLevel(selectProp(p, "RequiredLevel"))
	f.EnumPolicy = selectProp(p, "EnumPolicy")
	f.EnumOptions = multiSelectProp(p, "EnumOptions")
	f.PassTarget = int(numberProp(p, "PassTarget"))
	f.InstrumentedOnly = checkboxProp(p, "InstrumentedOnly")
	f.MinEvidenceRefs = int(numberProp(p, "MinEvidenceRefs"))
	f.Availability = model.AvailabilityClass(selectProp(p, "Availability"))
	f.TolerancePct = numberProp(p, "TolerancePct")
	f.ConflictPolicy = ConflictPolicy(selectProp(p, "ConflictPolicy"))
	f.Difficulty = selectProp(p, "Difficulty")
	f.Aliases = splitList(textProp(p, "Aliases"))
	f.Editorial = checkboxProp(p, "Editorial")

	if lo, hi := numberProp(p, "PlausibleMin"), numberProp(p, "PlausibleMax"); hi > lo {
		f.Plausible = &Range{Min: lo, Max: hi}
	}

	if f.Key == "" {
		return f, eris.New("missing Key property")
	}
	if f.Scope == "" {
		f.Scope = model.ScopeScalar
	}
	if f.RequiredLevel == "" {
		f.RequiredLevel = model.LevelExpected
	}
	return f, nil
}

func parseRoutePage(p notionapi.Page) model.RouteRow {
	r := model.RouteRow{
		Scope:           model.RouteScope(selectProp(p, "Scope")),
		RequiredLevel:   model.RequiredLevel(selectProp(p, "RequiredLevel")),
		Difficulty:      selectProp(p, "Difficulty"),
		Availability:    model.AvailabilityClass(selectProp(p, "Availability")),
		Effort:          int(numberProp(p, "Effort")),
		ModelLadder:     splitList(textProp(p, "ModelLadder")),
		AllSourceData:   checkboxProp(p, "AllSourceData"),
		EnableWebsearch: checkboxProp(p, "EnableWebsearch"),
		MaxTokens:       int(numberProp(p, "MaxTokens")),
		SendPacket:      model.SendPacket(selectProp(p, "SendPacket")),
		MinEvidenceRefs: int(numberProp(p, "MinEvidenceRefs")),
		OnInsufficient:  model.InsufficientEvidenceAction(selectProp(p, "OnInsufficient")),
	}
	if r.Scope == "" {
		r.Scope = model.ScopeScalar
	}
	return r
}

func parseHostPage(p notionapi.Page) (HostRule, bool) {
	h := HostRule{}
	if tp, ok := titleProp(p, "Host"); ok {
		h.Host = strings.ToLower(tp)
	}
	h.Tier = model.SourceTier(int(numberProp(p, "Tier")))
	if h.Tier == 0 {
		h.Tier = model.TierCandidate
	}
	h.Role = model.SourceRole(selectProp(p, "Role"))
	h.Preferred = checkboxProp(p, "Preferred")
	h.Lab = checkboxProp(p, "Lab")
	denied := checkboxProp(p, "Denied")
	return h, denied
}

// Property accessors tolerate missing or differently-typed properties.

func titleProp(p notionapi.Page, name string) (string, bool) {
	if prop, ok := p.Properties[name]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			return notion.PlainText(tp.Title), true
		}
	}
	return "", false
}

func textProp(p notionapi.Page, name string) string {
	if prop, ok := p.Properties[name]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			return notion.PlainText(rtp.RichText)
		}
	}
	return ""
}

func selectProp(p notionapi.Page, name string) string {
	if prop, ok := p.Properties[name]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			return sp.Select.Name
		}
	}
	return ""
}

func multiSelectProp(p notionapi.Page, name string) []string {
	if prop, ok := p.Properties[name]; ok {
		if msp, ok := prop.(*notionapi.MultiSelectProperty); ok {
			out := make([]string, 0, len(msp.MultiSelect))
			for _, o := range msp.MultiSelect {
				out = append(out, o.Name)
			}
			return out
		}
	}
	return nil
}

func numberProp(p notionapi.Page, name string) float64 {
	if prop, ok := p.Properties[name]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			return np.Number
		}
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(notion.PlainText(rtp.RichText)), 64); err == nil {
				return v
			}
		}
	}
	return 0
}

func checkboxProp(p notionapi.Page, name string) bool {
	if prop, ok := p.Properties[name]; ok {
		if cp, ok := prop.(*notionapi.CheckboxProperty); ok {
			return cp.Checkbox
		}
	}
	return false
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
