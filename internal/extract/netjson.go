package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
)

const maxJSONDepth = 12

// networkJSONObs mines captured XHR/GraphQL bodies. Network payloads are
// the highest-trust surface: the page's own data layer, before templating.
func networkJSONObs(m *Matcher, lock model.IdentityLock, captures []model.NetworkCapture) []obs {
	var out []obs
	for i, capt := range captures {
		var v any
		if err := json.Unmarshal([]byte(capt.Body), &v); err != nil {
			continue
		}
		walkJSON(m, lock, model.MethodNetworkJSON, fmt.Sprintf("net[%d]", i), v, nil, &out, 0)
	}
	return out
}

// embeddedStateObs mines framework hydration payloads dumped by the browser
// fetcher (__NEXT_DATA__ and friends).
func embeddedStateObs(m *Matcher, lock model.IdentityLock, payloads []string) []obs {
	var out []obs
	for i, raw := range payloads {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		walkJSON(m, lock, model.MethodEmbeddedState, fmt.Sprintf("state[%d]", i), v, nil, &out, 0)
	}
	return out
}

// walkJSON descends a decoded payload emitting an observation for every
// scalar (or scalar array) whose key resolves to a field rule. Keys are
// visited in sorted order so output is deterministic. Arrays that look like
// multi-product catalogs split into clusters carrying the identity-gate
// verdict for their entry.
func walkJSON(m *Matcher, lock model.IdentityLock, method model.ExtractionMethod, path string, v any, cluster *clusterTag, out *[]obs, depth int) {
	if depth > maxJSONDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := t[k]
			childPath := path + "." + k
			switch c := child.(type) {
			case map[string]any:
				if qv, ok := quantityValue(c); ok {
					emitObs(m, k, qv, method, childPath, cluster, out)
					continue
				}
				walkJSON(m, lock, method, childPath, c, cluster, out, depth+1)
			case []any:
				if scalarsOnly(c) {
					emitObs(m, k, c, method, childPath, cluster, out)
					continue
				}
				walkArray(m, lock, method, childPath, c, cluster, out, depth)
			default:
				emitObs(m, k, c, method, childPath, cluster, out)
			}
		}
	case []any:
		walkArray(m, lock, method, path, t, cluster, out, depth)
	}
}

func walkArray(m *Matcher, lock model.IdentityLock, method model.ExtractionMethod, path string, arr []any, cluster *clusterTag, out *[]obs, depth int) {
	if isProductList(arr) {
		for i, e := range arr {
			elem, ok := e.(map[string]any)
			if !ok {
				continue
			}
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			cl := clusterFor(lock, elemPath, productName(elem))
			walkJSON(m, lock, method, elemPath, elem, cl, out, depth+1)
		}
		return
	}
	for i, e := range arr {
		walkJSON(m, lock, method, fmt.Sprintf("%s[%d]", path, i), e, cluster, out, depth+1)
	}
}

// emitObs records the value when its key resolves to a field rule.
func emitObs(m *Matcher, key string, value any, method model.ExtractionMethod, keyPath string, cluster *clusterTag, out *[]obs) {
	rule := m.Match(key)
	if rule == nil {
		return
	}
	*out = append(*out, obs{
		rule:    rule,
		value:   value,
		method:  method,
		keyPath: keyPath,
		cluster: cluster,
	})
}

func scalarsOnly(arr []any) bool {
	for _, e := range arr {
		switch e.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

// quantityValue collapses QuantitativeValue-shaped objects, schema.org's
// {"value": 59, "unitText": "g"} and the plainer {"value": 59, "unit": "g"},
// into a single scalar.
func quantityValue(obj map[string]any) (any, bool) {
	raw, ok := obj["value"]
	if !ok {
		return nil, false
	}
	var unitText, unit string
	for k, v := range obj {
		switch strings.ToLower(k) {
		case "value", "unitcode", "@type", "name", "propertyid":
		case "unittext":
			unitText, _ = v.(string)
		case "unit":
			unit, _ = v.(string)
		default:
			return nil, false
		}
	}
	if unitText != "" {
		return fmt.Sprintf("%v %s", raw, unitText), true
	}
	if unit != "" {
		return fmt.Sprintf("%v %s", raw, unit), true
	}
	return raw, true
}
