package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Engine filters backends during target selection. A nil *RegoEngine is a
// valid engine that admits every backend.
type Engine interface {
	Eligible(ctx context.Context, backend models.BackendDescriptor, pin PinInput) (bool, error)
}

// PinInput is the pin side of the policy evaluation input document.
type PinInput struct {
	CID       string `json:"cid"`
	SizeBytes int64  `json:"size_bytes"`
}

// RegoEngine evaluates backend-eligibility rules written in Rego against
// data.pinwarden.placement.allow. Rules are compiled once at load.
type RegoEngine struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

const placementQuery = "data.pinwarden.placement.allow"

// NewRegoEngine compiles the given module. Empty source yields an engine
// that allows everything.
func NewRegoEngine(ctx context.Context, module string) (*RegoEngine, error) {
	e := &RegoEngine{}
	if module == "" {
		return e, nil
	}
	if err := e.Load(ctx, module); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the active rule module wholesale.
func (e *RegoEngine) Load(ctx context.Context, module string) error {
	r := rego.New(
		rego.Query(placementQuery),
		rego.Module("placement.rego", module),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("invalid placement rule: %w", err)
	}
	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Eligible evaluates the placement rule for one backend/pin pair. Missing or
// non-boolean results are treated as deny; an unloaded engine allows all.
func (e *RegoEngine) Eligible(ctx context.Context, backend models.BackendDescriptor, pin PinInput) (bool, error) {
	if e == nil {
		return true, nil
	}
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()
	if prepared == nil {
		return true, nil
	}

	input := map[string]interface{}{
		"backend": map[string]interface{}{
			"name":        backend.Name,
			"class":       string(backend.Class),
			"priority":    backend.Priority,
			"max_size_gb": backend.MaxSizeGB,
		},
		"pin": map[string]interface{}{
			"cid":        pin.CID,
			"size_bytes": pin.SizeBytes,
		},
	}

	rs, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate placement rule: %w", err)
	}
	for _, result := range rs {
		for _, expr := range result.Expressions {
			if allowed, ok := expr.Value.(bool); ok {
				return allowed, nil
			}
		}
	}
	return false, nil
}
