package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

// structuredObs mines the sidecar's surfaces in descending confidence:
// JSON-LD products, microdata items, OpenGraph, then RDFa and microformats.
func structuredObs(m *Matcher, lock model.IdentityLock, resp *sidecar.ParseResponse) []obs {
	var out []obs
	out = append(out, jsonLDObs(m, lock, resp.JSONLD)...)
	out = append(out, microdataObs(m, lock, resp.Microdata)...)
	out = append(out, openGraphObs(m, resp.OpenGraph)...)
	out = append(out, genericObs(m, lock, "rdfa", resp.RDFa)...)
	out = append(out, genericObs(m, lock, "mf", resp.Microformats)...)
	return out
}

// relatedProductKeys point at other products inside a Product node; walking
// them would attribute a neighbor's specs to this page's product.
var relatedProductKeys = map[string]bool{
	"isrelatedto":               true,
	"issimilarto":               true,
	"isvariantof":               true,
	"isaccessoryorsparepartfor": true,
}

// jsonLDObs reads Product nodes. additionalProperty rows are the richest
// vein: explicit name/value pairs straight from the vendor's spec sheet.
// With two or more products on the page, each node becomes a gated cluster.
func jsonLDObs(m *Matcher, lock model.IdentityLock, blocks []json.RawMessage) []obs {
	products := ProductNodes(blocks)
	multi := len(products) >= 2

	var out []obs
	for i, node := range products {
		path := fmt.Sprintf("jsonld[%d]", i)
		var cluster *clusterTag
		if multi {
			cluster = clusterFor(lock, path, productName(node))
		}
		for j, pair := range propertyPairs(node) {
			emitObs(m, pair.name, pair.value, model.MethodJSONLD, fmt.Sprintf("%s.additionalProperty[%d]", path, j), cluster, &out)
		}
		rest := make(map[string]any, len(node))
		for k, v := range node {
			lk := strings.ToLower(k)
			if lk == "additionalproperty" || relatedProductKeys[lk] || strings.HasPrefix(k, "@") {
				continue
			}
			rest[k] = v
		}
		walkJSON(m, lock, model.MethodJSONLD, path, rest, cluster, &out, 0)
	}
	return out
}

// ProductNodes unmarshals JSON-LD blocks and returns every Product node in
// block order. Blocks that fail to decode are skipped.
func ProductNodes(blocks []json.RawMessage) []map[string]any {
	var products []map[string]any
	for _, raw := range blocks {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		collectProducts(v, &products, 0)
	}
	return products
}

// collectProducts gathers every node typed Product, including ones nested
// inside @graph wrappers. It does not descend into a product looking for
// more products.
func collectProducts(v any, out *[]map[string]any, depth int) {
	if depth > maxJSONDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		if isProductNode(t) {
			*out = append(*out, t)
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectProducts(t[k], out, depth+1)
		}
	case []any:
		for _, e := range t {
			collectProducts(e, out, depth+1)
		}
	}
}

func isProductNode(obj map[string]any) bool {
	switch t := obj["@type"].(type) {
	case string:
		return strings.EqualFold(typeName(t), "product")
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.EqualFold(typeName(s), "product") {
				return true
			}
		}
	}
	return false
}

// typeName strips a schema.org URL prefix from a type value.
func typeName(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type propertyPair struct {
	name  string
	value any
}

// propertyPairs reads additionalProperty PropertyValue entries.
func propertyPairs(node map[string]any) []propertyPair {
	raw, ok := node["additionalProperty"]
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		if one, isMap := raw.(map[string]any); isMap {
			entries = []any{one}
		} else {
			return nil
		}
	}
	var out []propertyPair
	for _, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		if name == "" {
			continue
		}
		value, ok := obj["value"]
		if !ok {
			continue
		}
		if q, isQ := value.(map[string]any); isQ {
			if qv, okq := quantityValue(q); okq {
				value = qv
			}
		}
		out = append(out, propertyPair{name: name, value: value})
	}
	return out
}

// microdataObs reads microdata items in the W3C JSON shape:
// {"type": [...], "properties": {"k": [v, ...]}}. Non-product items
// (breadcrumbs, organizations) are skipped.
func microdataObs(m *Matcher, lock model.IdentityLock, blocks []json.RawMessage) []obs {
	var products []map[string]any
	for _, raw := range blocks {
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if !microdataProduct(v) {
			continue
		}
		if props, _ := v["properties"].(map[string]any); props != nil {
			products = append(products, props)
		}
	}
	multi := len(products) >= 2

	var out []obs
	for i, props := range products {
		path := fmt.Sprintf("micro[%d]", i)
		var cluster *clusterTag
		if multi {
			cluster = clusterFor(lock, path, microdataName(props))
		}
		walkJSON(m, lock, model.MethodMicrodata, path, props, cluster, &out, 0)
	}
	return out
}

func microdataProduct(item map[string]any) bool {
	switch t := item["type"].(type) {
	case string:
		return strings.EqualFold(typeName(t), "product")
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.EqualFold(typeName(s), "product") {
				return true
			}
		}
	}
	return false
}

// microdataName pulls the item's display name; microdata property values
// arrive as arrays.
func microdataName(props map[string]any) string {
	switch v := props["name"].(type) {
	case string:
		return v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// openGraphObs mines og: and product: namespaced metadata.
func openGraphObs(m *Matcher, og map[string]string) []obs {
	keys := make([]string, 0, len(og))
	for k := range og {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []obs
	for _, k := range keys {
		label := k
		for _, prefix := range []string{"og:", "product:", "article:"} {
			label = strings.TrimPrefix(label, prefix)
		}
		label = strings.TrimSuffix(label, ":value")
		label = strings.TrimSuffix(label, ":amount")
		label = strings.ReplaceAll(label, ":", " ")
		emitObs(m, label, og[k], model.MethodOpenGraph, "og."+k, nil, &out)
	}
	return out
}

// genericObs flattens RDFa or microformats JSON without assuming a schema;
// both surfaces share the lowest structured confidence base.
func genericObs(m *Matcher, lock model.IdentityLock, prefix string, blocks []json.RawMessage) []obs {
	var out []obs
	for i, raw := range blocks {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		walkJSON(m, lock, model.MethodRDFa, fmt.Sprintf("%s[%d]", prefix, i), v, nil, &out, 0)
	}
	return out
}
