// Package golden writes the signed, append-only audit trail of each run.
//
// Every lifecycle event is appended as one JSON line to
// {dir}/{run_id}.steps.jsonl. When a run attempt ends the whole file is signed
// with HMAC-SHA256 and the hex digest is written to a .sig sidecar via a
// temp file and rename, so readers never observe a partial signature.
// Appending after a signature invalidates it until the file is signed again.
package golden

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/hkdf"

	"github.com/agenticverz/agenticverz/internal/model"
)

const (
	fileSuffix = ".steps.jsonl"
	sigSuffix  = ".sig"
	keyInfo    = "agenticverz golden file signature v1"

	defaultWriteAttempts = 3
	defaultRetryDelay    = 50 * time.Millisecond
)

// ErrBadSignature is returned by Verify when the signature does not match.
var ErrBadSignature = errors.New("golden: signature mismatch")

// Signer computes and checks golden file signatures.
type Signer struct {
	key []byte
}

// NewSigner derives the HMAC key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("golden: empty signing secret")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("golden: derive key: %w", err)
	}
	return &Signer{key: key}, nil
}

func (s *Signer) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return m.Sum(nil)
}

// Sign writes the hex signature of path's current bytes to path + ".sig".
func (s *Signer) Sign(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed from the golden directory
	if err != nil {
		return fmt.Errorf("golden: read %s: %w", path, err)
	}
	sig := hex.EncodeToString(s.mac(data))

	final := path + sigSuffix
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // see above
	if err != nil {
		return fmt.Errorf("golden: create signature tmp: %w", err)
	}
	if _, err := f.WriteString(sig); err != nil {
		_ = f.Close()
		return fmt.Errorf("golden: write signature tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("golden: sync signature tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("golden: close signature tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("golden: rename signature: %w", err)
	}
	return nil
}

// Verify recomputes the signature of path and compares it in constant time
// with the sidecar. A mismatch returns ErrBadSignature.
func (s *Signer) Verify(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("golden: read %s: %w", path, err)
	}
	rawSig, err := os.ReadFile(path + sigSuffix) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("golden: read signature: %w", err)
	}
	want, err := hex.DecodeString(strings.TrimSpace(string(rawSig)))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !hmac.Equal(want, s.mac(data)) {
		return ErrBadSignature
	}
	return nil
}

// RunStart is the payload of a run_start event.
type RunStart struct {
	AgentID string     `json:"agent_id"`
	Goal    string     `json:"goal"`
	Attempt int        `json:"attempt"`
	Seed    int64      `json:"seed"`
	Plan    model.Plan `json:"plan"`
}

// RunEnd is the payload of a run_end event.
type RunEnd struct {
	Status     model.RunStatus `json:"status"`
	Attempt    int             `json:"attempt"`
	RootHash   string          `json:"root_hash"`
	ErrorCode  string          `json:"error_code,omitempty"`
	TotalCost  int64           `json:"total_cost"`
	DurationMS int64           `json:"duration_ms"`
}

// Config configures a Recorder.
type Config struct {
	Dir    string
	Secret string
	// WriteAttempts bounds retries of each append or signature write.
	WriteAttempts int
	RetryDelay    time.Duration
}

// Recorder owns the golden files and their signatures. A nil *Recorder is a
// valid disabled recorder.
type Recorder struct {
	dir      string
	signer   *Signer
	attempts int
	delay    time.Duration
	logger   *slog.Logger
	failures metric.Int64Counter

	mu sync.Mutex
	// now is swappable for tests.
	now func() time.Time
}

// NewRecorder creates the golden directory and returns a Recorder. It returns
// nil, nil when cfg.Dir is empty (recording disabled).
func NewRecorder(cfg Config, logger *slog.Logger, failures metric.Int64Counter) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	signer, err := NewSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = defaultWriteAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("golden: create directory: %w", err)
	}
	return &Recorder{
		dir:      cfg.Dir,
		signer:   signer,
		attempts: cfg.WriteAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
		failures: failures,
		now:      time.Now,
	}, nil
}

// Path returns the golden file path for runID.
func (r *Recorder) Path(runID uuid.UUID) string {
	return filepath.Join(r.dir, runID.String()+fileSuffix)
}

// Signer returns the recorder's signer.
func (r *Recorder) Signer() *Signer { return r.signer }

// RunStart appends a run_start event.
func (r *Recorder) RunStart(ctx context.Context, runID uuid.UUID, data RunStart) {
	r.record(ctx, runID, model.GoldenRunStart, data)
}

// Step appends a step event.
func (r *Recorder) Step(ctx context.Context, runID uuid.UUID, step model.TraceStep) {
	r.record(ctx, runID, model.GoldenStep, step)
}

// RunEnd appends a run_end event and signs the file.
func (r *Recorder) RunEnd(ctx context.Context, runID uuid.UUID, data RunEnd) {
	if r == nil {
		return
	}
	if !r.record(ctx, runID, model.GoldenRunEnd, data) {
		return
	}
	path := r.Path(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.retry(ctx, func() error { return r.signer.Sign(path) }); err != nil {
		r.fail(ctx, runID, "sign", err)
	}
}

// record appends one event. Failures are retried, then logged and counted;
// they never propagate to the run.
func (r *Recorder) record(ctx context.Context, runID uuid.UUID, typ model.GoldenEventType, data any) bool {
	if r == nil {
		return false
	}
	payload, err := json.Marshal(data)
	if err != nil {
		r.fail(ctx, runID, "marshal", err)
		return false
	}
	line, err := json.Marshal(model.GoldenEvent{
		EventType: typ,
		RunID:     runID,
		Timestamp: r.now().UTC(),
		Data:      payload,
	})
	if err != nil {
		r.fail(ctx, runID, "marshal", err)
		return false
	}
	line = append(line, '\n')

	path := r.Path(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.retry(ctx, func() error { return appendLine(path, line) }); err != nil {
		r.fail(ctx, runID, "append", err)
		return false
	}
	return true
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is constructed from the golden directory
	if err != nil {
		return fmt.Errorf("golden: open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("golden: append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("golden: sync %s: %w", path, err)
	}
	return f.Close()
}

func (r *Recorder) retry(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(r.delay):
		}
	}
	return err
}

func (r *Recorder) fail(ctx context.Context, runID uuid.UUID, op string, err error) {
	r.logger.Error("golden: write failed", "run_id", runID, "op", op, "error", err)
	if r.failures != nil {
		r.failures.Add(ctx, 1)
	}
}
