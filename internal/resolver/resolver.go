package resolver

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"research-orchestrator/internal/models"
)

var (
	// ErrInvalidFilter is returned when a filter spec cannot be parsed or fails validation
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrNoResolver is returned when no resolver handles a kind
	ErrNoResolver = errors.New("no resolver for job kind")
)

// Resolver turns a job's filter spec into the ordered payloads of its items. It is
// called once, when the job is created.
type Resolver interface {
	Resolve(ctx context.Context, kind models.JobKind, filter json.RawMessage) ([]json.RawMessage, error)
}

// Router dispatches to a resolver per kind, falling back to a default
type Router struct {
	byKind   map[models.JobKind]Resolver
	fallback Resolver
}

// NewRouter creates a router; fallback may be nil
func NewRouter(fallback Resolver) *Router {
	return &Router{
		byKind:   make(map[models.JobKind]Resolver),
		fallback: fallback,
	}
}

// Route sends the given kinds to r
func (rt *Router) Route(r Resolver, kinds ...models.JobKind) *Router {
	for _, kind := range kinds {
		rt.byKind[kind] = r
	}
	return rt
}

// Resolve implements Resolver
func (rt *Router) Resolve(ctx context.Context, kind models.JobKind, filter json.RawMessage) ([]json.RawMessage, error) {
	if r, ok := rt.byKind[kind]; ok {
		return r.Resolve(ctx, kind, filter)
	}
	if rt.fallback != nil {
		return rt.fallback.Resolve(ctx, kind, filter)
	}
	return nil, errors.Wrapf(ErrNoResolver, "kind %s", kind)
}

// StaticResolver takes its items literally from the filter: {"items": [ {...}, ... ]}.
// Uploaded lists (prospect rows, CSV records) arrive this way after parsing.
type StaticResolver struct{}

type staticFilter struct {
	Items []json.RawMessage `json:"items"`
}

// Resolve implements Resolver
func (StaticResolver) Resolve(_ context.Context, _ models.JobKind, filter json.RawMessage) ([]json.RawMessage, error) {
	if len(filter) == 0 {
		return nil, errors.Wrap(ErrInvalidFilter, "items are required")
	}
	var spec staticFilter
	if err := json.Unmarshal(filter, &spec); err != nil {
		return nil, errors.Wrapf(ErrInvalidFilter, "decode items: %v", err)
	}
	for i, item := range spec.Items {
		var obj map[string]interface{}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, errors.Wrapf(ErrInvalidFilter, "item %d is not an object", i)
		}
	}
	return spec.Items, nil
}
