package budget

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CostTable is the on-disk cost estimate table, in minor currency units:
//
//	default: 1
//	skills:
//	  http_fetch: 5
//	  llm_invoke: 50
//	models:
//	  gpt-large: 120
//
// A model entry overrides the skill entry when a step names that model.
type CostTable struct {
	Default int64            `yaml:"default"`
	Skills  map[string]int64 `yaml:"skills"`
	Models  map[string]int64 `yaml:"models"`
}

// Estimator returns static per-skill cost estimates.
type Estimator struct {
	mu    sync.RWMutex
	table CostTable
}

// NewEstimator creates an estimator from an in-memory table. def is used for
// unknown skills when table.Default is zero.
func NewEstimator(table CostTable, def int64) *Estimator {
	if table.Default == 0 {
		table.Default = def
	}
	return &Estimator{table: table}
}

// LoadEstimator reads a YAML cost table from path.
func LoadEstimator(path string, def int64) (*Estimator, error) {
	table, err := readCostTable(path)
	if err != nil {
		return nil, err
	}
	return NewEstimator(table, def), nil
}

func readCostTable(path string) (CostTable, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return CostTable{}, fmt.Errorf("budget: read cost table: %w", err)
	}
	var table CostTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return CostTable{}, fmt.Errorf("budget: parse cost table %s: %w", path, err)
	}
	for name, c := range table.Skills {
		if c < 0 {
			return CostTable{}, fmt.Errorf("budget: cost table %s: skill %q has negative cost", path, name)
		}
	}
	return table, nil
}

// Estimate returns the estimated cost of one call to skill using modelName.
func (e *Estimator) Estimate(skill, modelName string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if modelName != "" {
		if c, ok := e.table.Models[modelName]; ok {
			return c
		}
	}
	if c, ok := e.table.Skills[skill]; ok {
		return c
	}
	return e.table.Default
}

func (e *Estimator) replace(table CostTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if table.Default == 0 {
		table.Default = e.table.Default
	}
	e.table = table
}

// Watch reloads the table whenever path is written until ctx is cancelled.
// The parent directory is watched so that editors replacing the file via
// rename are picked up. A table that fails to parse is logged and ignored.
func (e *Estimator) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("budget: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("budget: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				table, err := readCostTable(path)
				if err != nil {
					logger.Warn("budget: cost table reload failed", "path", path, "error", err)
					continue
				}
				e.replace(table)
				logger.Info("budget: cost table reloaded", "path", path, "skills", len(table.Skills))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("budget: cost table watcher error", "error", err)
			}
		}
	}()
	return nil
}
