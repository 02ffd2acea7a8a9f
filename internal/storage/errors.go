package storage

import (
	"fmt"

	"github.com/agenticverz/agenticverz/internal/runner"
)

// ErrNotFound is returned when a requested entity does not exist. It matches
// runner.ErrNotFound so the runner can tell a missing parent trace from an
// outage.
var ErrNotFound = fmt.Errorf("storage: %w", runner.ErrNotFound)
