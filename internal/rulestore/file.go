package rulestore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store hands out category rules. Implementations must be safe for
// concurrent readers.
type Store interface {
	Category(ctx context.Context, category string) (*CategoryRules, error)
}

// FileStore loads category rules from {dir}/{category}.yaml.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed rule store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Category reads and indexes the rules file for one category.
func (s *FileStore) Category(_ context.Context, category string) (*CategoryRules, error) {
	path := filepath.Join(s.dir, category+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "rulestore: read category file")
	}

	var rules CategoryRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, eris.Wrap(err, "rulestore: unmarshal category file")
	}
	if rules.Category == "" {
		rules.Category = category
	}
	if len(rules.Fields) == 0 {
		return nil, eris.Errorf("rulestore: category %s has no field rules", category)
	}
	rules.Index()

	zap.L().Debug("rulestore: loaded category rules",
		zap.String("category", category),
		zap.Int("fields", len(rules.Fields)),
		zap.Int("routes", len(rules.Routes)),
		zap.Int("approved_hosts", len(rules.ApprovedHosts)),
	)
	return &rules, nil
}
