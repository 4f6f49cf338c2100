package storage

import (
	"fmt"
	"log"

	"github.com/stratamem/strata/pkg/types"
)

// Registry holds the set of live adapters and the layer map. It is assembled
// once at construction and read-only afterwards, so lookups on the hot path
// need no locking. Hot-swapping adapters is not supported.
type Registry struct {
	adapters map[string]Adapter
	order    []string
	layers   map[types.Layer]string
	layerOf  map[string]types.Layer
}

// NewRegistry builds a registry from adapters (in registration order) and a
// layer map naming the adapter that owns each layer. Every layer target must
// be a registered adapter; names must be unique and non-empty.
func NewRegistry(adapters []Adapter, layers map[types.Layer]string) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		order:    make([]string, 0, len(adapters)),
		layers:   make(map[types.Layer]string, len(layers)),
		layerOf:  make(map[string]types.Layer, len(layers)),
	}

	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("storage: nil adapter in registry")
		}
		name := a.Name()
		if name == "" {
			return nil, fmt.Errorf("storage: adapter with empty name")
		}
		if _, dup := r.adapters[name]; dup {
			return nil, fmt.Errorf("storage: duplicate adapter name %q", name)
		}
		r.adapters[name] = a
		r.order = append(r.order, name)
	}

	// Walk ValidLayers rather than the map so layerOf is deterministic when
	// one adapter serves more than one layer.
	for _, layer := range types.ValidLayers {
		name, ok := layers[layer]
		if !ok {
			continue
		}
		if _, ok := r.adapters[name]; !ok {
			return nil, fmt.Errorf("storage: layer %q maps to unregistered adapter %q", layer, name)
		}
		r.layers[layer] = name
		if _, taken := r.layerOf[name]; !taken {
			r.layerOf[name] = layer
		}
	}
	for layer := range layers {
		if !types.IsValidLayer(layer) {
			return nil, fmt.Errorf("storage: unknown layer %q in layer map", layer)
		}
	}

	return r, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// ForLayer returns the adapter owning the given layer.
func (r *Registry) ForLayer(layer types.Layer) (Adapter, bool) {
	name, ok := r.layers[layer]
	if !ok {
		return nil, false
	}
	return r.adapters[name], true
}

// LayerOf returns the layer served by the named adapter, when mapped.
func (r *Registry) LayerOf(name string) (types.Layer, bool) {
	l, ok := r.layerOf[name]
	return l, ok
}

// Names returns the adapter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Adapters returns the adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.order) }

// HasLayer reports whether the given layer is mapped to an adapter.
func (r *Registry) HasLayer(layer types.Layer) bool {
	_, ok := r.layers[layer]
	return ok
}

// CloseAll closes every adapter, logging failures and returning the first
// error encountered.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, name := range r.order {
		if err := r.adapters[name].Close(); err != nil {
			log.Printf("storage: close %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
