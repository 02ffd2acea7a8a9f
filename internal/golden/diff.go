package golden

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agenticverz/agenticverz/internal/model"
)

// volatileKeys are removed before golden files are compared. They stay in the
// raw records for debugging.
var volatileKeys = map[string]struct{}{
	"timestamp":    {},
	"started_at":   {},
	"completed_at": {},
	"duration_ms":  {},
	"run_id":       {},
}

// Load reads every event of a golden file.
func Load(path string) ([]model.GoldenEvent, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("golden: read %s: %w", path, err)
	}
	var events []model.GoldenEvent
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev model.GoldenEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("golden: %s line %d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("golden: scan %s: %w", path, err)
	}
	return events, nil
}

// StripVolatile returns the canonical JSON of ev without wall-clock, duration
// and run identity fields, at any depth.
func StripVolatile(ev model.GoldenEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	out, err := json.Marshal(strip(doc))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func strip(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if _, ok := volatileKeys[k]; ok {
				delete(x, k)
				continue
			}
			x[k] = strip(child)
		}
		return x
	case []any:
		for i := range x {
			x[i] = strip(x[i])
		}
		return x
	default:
		return v
	}
}

// Difference is one event that differs between two golden files.
type Difference struct {
	// Event is the zero-based event position.
	Event    int
	Expected string
	Actual   string
}

// Diff compares two event sequences after stripping volatile fields.
func Diff(expected, actual []model.GoldenEvent) ([]Difference, error) {
	var diffs []Difference
	n := max(len(expected), len(actual))
	for i := 0; i < n; i++ {
		var a, b string
		var err error
		if i < len(expected) {
			if a, err = StripVolatile(expected[i]); err != nil {
				return nil, err
			}
		}
		if i < len(actual) {
			if b, err = StripVolatile(actual[i]); err != nil {
				return nil, err
			}
		}
		if a != b {
			diffs = append(diffs, Difference{Event: i, Expected: a, Actual: b})
		}
	}
	return diffs, nil
}

// DiffFiles loads and compares two golden files.
func DiffFiles(expectedPath, actualPath string) ([]Difference, error) {
	a, err := Load(expectedPath)
	if err != nil {
		return nil, err
	}
	b, err := Load(actualPath)
	if err != nil {
		return nil, err
	}
	return Diff(a, b)
}
