// Package catalog implements the thin, file-backed stand-in for the
// brand/catalog registry the Run Orchestrator consults only by interface
// (spec.md §6): one JSON document per category listing its field
// contracts. A real deployment swaps this for a service client without
// touching orchestrator.CatalogProvider.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// FileCatalog loads {dir}/{category}.json into a []domain.FieldContract,
// caching the decoded result per category.
type FileCatalog struct {
	Dir string

	mu    sync.RWMutex
	cache map[string][]domain.FieldContract
}

// NewFileCatalog builds a FileCatalog rooted at dir.
func NewFileCatalog(dir string) *FileCatalog {
	return &FileCatalog{Dir: dir, cache: map[string][]domain.FieldContract{}}
}

// FieldContracts implements orchestrator.CatalogProvider.
func (c *FileCatalog) FieldContracts(ctx context.Context, category string) ([]domain.FieldContract, error) {
	c.mu.RLock()
	if cached, ok := c.cache[category]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	path := filepath.Join(c.Dir, category+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var contracts []domain.FieldContract
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}

	c.mu.Lock()
	c.cache[category] = contracts
	c.mu.Unlock()
	return contracts, nil
}
