package journal

import (
	"fmt"
	"sync"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/codec"
)

type decodeFunc func(c codec.Codec, data []byte) (domain.StateLogPayload, error)

// Registry maps persisted payload kinds to their Go types. Every registry
// knows the lineage payloads.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]decodeFunc
}

// NewRegistry returns a registry with the lineage payloads registered.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]decodeFunc)}
	Register[domain.ChildRegistered](r)
	Register[domain.ChildUnregistered](r)
	Register[domain.ParentSet](r)
	Register[domain.ParentCleared](r)
	return r
}

// Register adds T under the kind its zero value reports. Registering the
// same kind twice keeps the latest type.
func Register[T domain.StateLogPayload](r *Registry) {
	var zero T
	kind := zero.EventKind()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = func(c codec.Codec, data []byte) (domain.StateLogPayload, error) {
		var v T
		if err := c.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Decode rebuilds the payload of rec. Unregistered kinds decode to
// domain.UnknownPayload so old binaries can replay newer logs.
func (r *Registry) Decode(c codec.Codec, rec domain.RecordedEvent) (domain.StateLogPayload, error) {
	r.mu.RLock()
	dec, ok := r.kinds[rec.Kind]
	r.mu.RUnlock()
	if !ok {
		return domain.UnknownPayload{Kind: rec.Kind, Data: rec.Data}, nil
	}
	p, err := dec(c, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s at version %d: %w", rec.Kind, rec.Version, err)
	}
	return p, nil
}
