package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/funkpopo/writebot-sub002/internal/transport"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// Registry manages all configured provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	config   *types.Config
}

// NewRegistry creates an empty registry.
func NewRegistry(config *types.Config) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		config:   config,
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get retrieves an adapter by ID.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", id)
	}
	return a, nil
}

// List returns all registered adapters, sorted by ID for stable output.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Default resolves the adapter and model the registry's config selects.
// The config's model string uses "provider/model" form; a bare model name
// falls through to the sole registered adapter.
func (r *Registry) Default() (Adapter, string, error) {
	providerID, modelID := ParseModelString(r.config.Model)
	if providerID != "" {
		a, err := r.Get(providerID)
		return a, modelID, err
	}

	all := r.List()
	if len(all) == 0 {
		return nil, "", fmt.Errorf("no providers configured")
	}
	return all[0], modelID, nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// InitializeProviders builds adapters for every enabled provider entry in
// the config. Entries are keyed by an arbitrary alias; the Type field picks
// the wire protocol, defaulting to the alias itself so the conventional
// "openai"/"anthropic"/"gemini" keys need no Type at all.
func InitializeProviders(config *types.Config) (*Registry, error) {
	registry := NewRegistry(config)
	client := transport.NewClient(config.Proxy.Base)

	for alias, cfg := range config.Provider {
		if cfg.Disable || cfg.APIKey == "" {
			continue
		}
		kind := cfg.Type
		if kind == "" {
			kind = alias
		}
		switch kind {
		case "openai":
			registry.Register(NewOpenAI(alias, cfg, client))
		case "anthropic":
			registry.Register(NewAnthropic(alias, cfg, client))
		case "gemini":
			registry.Register(NewGemini(alias, cfg, client))
		default:
			return nil, fmt.Errorf("unknown provider type %q for %q", kind, alias)
		}
	}

	return registry, nil
}
