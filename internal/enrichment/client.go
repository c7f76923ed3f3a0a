package enrichment

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"research-orchestrator/internal/models"
)

// Client performs one enrichment call for one item. Errors should be classifiable by
// Classify; adapters return *Error where they know better than the heuristics.
type Client interface {
	Enrich(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error)
}

// ClientFunc adapts a function to the Client interface
type ClientFunc func(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error)

// Enrich calls f
func (f ClientFunc) Enrich(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, kind, payload)
}

// Registry maps job kinds to the client that enriches them. It is filled at startup so a
// job found on disk after a restart can be resumed with the right client.
type Registry struct {
	mu      sync.RWMutex
	clients map[models.JobKind]Client
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[models.JobKind]Client)}
}

// Register binds a client to one or more kinds
func (r *Registry) Register(client Client, kinds ...models.JobKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range kinds {
		r.clients[kind] = client
	}
}

// Get returns the client for kind
func (r *Registry) Get(kind models.JobKind) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[kind]
	return client, ok
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []models.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.JobKind, 0, len(r.clients))
	for kind := range r.clients {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// decodeResult turns model output into the JSON stored on the item. Code fences are
// stripped; output that still isn't JSON is kept as {"text": ...}.
func decodeResult(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, NewError(ClassUnknown, errors.New("empty response from model"))
	}

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	wrapped, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode text result")
	}
	return wrapped, nil
}
