// Package helper loads the local helper database: xlsx workbooks keyed by
// category holding hand-curated spec rows. A matching row becomes a synthetic
// helper_files:// source whose candidates supplement fetched evidence at the
// lowest confidence base and never by themselves satisfy a pass target.
package helper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// Identity columns recognized in workbook headers. Every other column is a
// field key.
const (
	colBrand   = "brand"
	colModel   = "model"
	colVariant = "variant"
)

// Row is one helper-database entry for a product.
type Row struct {
	Brand    string
	Model    string
	Variant  string
	Workbook string            // basename, becomes part of candidate key paths
	Fields   map[string]string // header → cell, identity columns excluded
}

// DB loads and caches helper workbooks per category. Workbooks live at
// {root}/{category}.xlsx and {root}/{category}/*.xlsx.
type DB struct {
	root string

	mu   sync.Mutex
	rows map[string][]Row
}

// Open returns a helper DB rooted at dir. A missing root is a valid empty
// database; the helper layer is always optional.
func Open(root string) *DB {
	return &DB{root: root, rows: make(map[string][]Row)}
}

// Lookup returns the rows matching the identity lock for the category.
// Brand and model must match after normalization; the variant filter applies
// only when both the lock and the row carry one, so generic rows still match
// variant-locked jobs.
func (db *DB) Lookup(ctx context.Context, category, brand, mdl, variant string) ([]Row, error) {
	all, err := db.load(ctx, category)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, r := range all {
		if !sameKey(r.Brand, brand) || !sameKey(r.Model, mdl) {
			continue
		}
		if variant != "" && r.Variant != "" && !sameKey(r.Variant, variant) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func sameKey(a, b string) bool {
	return collapse(a) == collapse(b)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// load parses and caches every workbook for the category.
func (db *DB) load(ctx context.Context, category string) ([]Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if rows, ok := db.rows[category]; ok {
		return rows, nil
	}

	if db.root == "" {
		db.rows[category] = nil
		return nil, nil
	}

	paths, err := db.workbookPaths(category)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "helper: load cancelled")
		}

		parsed, err := parseWorkbook(path)
		if err != nil {
			// A broken workbook never blocks a run.
			zap.L().Warn("helper: skipping workbook",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		rows = append(rows, parsed...)
	}

	zap.L().Debug("helper: category loaded",
		zap.String("category", category),
		zap.Int("workbooks", len(paths)),
		zap.Int("rows", len(rows)),
	)

	db.rows[category] = rows
	return rows, nil
}

func (db *DB) workbookPaths(category string) ([]string, error) {
	if _, err := os.Stat(db.root); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	direct := filepath.Join(db.root, category+".xlsx")
	if _, err := os.Stat(direct); err == nil {
		paths = append(paths, direct)
	}

	nested, err := filepath.Glob(filepath.Join(db.root, category, "*.xlsx"))
	if err != nil {
		return nil, eris.Wrap(err, "helper: glob workbooks")
	}
	for _, p := range nested {
		// Excel drops ~$ lock files next to open workbooks.
		if strings.HasPrefix(filepath.Base(p), "~$") {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// parseWorkbook reads the first sheet: row 0 is the header, every following
// row with a brand and model becomes a Row.
func parseWorkbook(path string) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "helper: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("helper: workbook %s has no sheets", filepath.Base(path))
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(sheet.Rows[0].Cells))
	for j, cell := range sheet.Rows[0].Cells {
		header[j] = strings.ToLower(strings.TrimSpace(cell.String()))
	}

	brandIdx, modelIdx := -1, -1
	for j, h := range header {
		switch h {
		case colBrand:
			if brandIdx < 0 {
				brandIdx = j
			}
		case colModel:
			if modelIdx < 0 {
				modelIdx = j
			}
		}
	}
	if brandIdx < 0 || modelIdx < 0 {
		return nil, eris.Errorf("helper: workbook %s missing brand/model columns", filepath.Base(path))
	}

	base := filepath.Base(path)
	var rows []Row
	for _, xr := range sheet.Rows[1:] {
		cells := make([]string, len(xr.Cells))
		for j, cell := range xr.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}

		at := func(j int) string {
			if j < 0 || j >= len(cells) {
				return ""
			}
			return cells[j]
		}

		r := Row{
			Brand:    at(brandIdx),
			Model:    at(modelIdx),
			Workbook: base,
			Fields:   make(map[string]string),
		}
		if r.Brand == "" || r.Model == "" {
			continue
		}

		for j, h := range header {
			if h == "" || h == colBrand || h == colModel {
				continue
			}
			if h == colVariant {
				r.Variant = at(j)
				continue
			}
			if _, dup := r.Fields[h]; dup {
				continue
			}
			if v := at(j); v != "" {
				r.Fields[h] = v
			}
		}

		rows = append(rows, r)
	}
	return rows, nil
}
