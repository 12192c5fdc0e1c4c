package book

import "sync"

// Registry holds one replica per subscribed asset. The market-data stream
// owns creation and removal; strategies only read.
type Registry struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{replicas: make(map[string]*Replica)}
}

// Get returns the replica for assetID. ok is false when the asset is not
// subscribed.
func (g *Registry) Get(assetID string) (*Replica, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.replicas[assetID]
	return r, ok
}

// GetOrCreate returns the replica for assetID, creating it on first use.
func (g *Registry) GetOrCreate(assetID string) *Replica {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.replicas[assetID]
	if !ok {
		r = NewReplica(assetID)
		g.replicas[assetID] = r
	}
	return r
}

// Remove destroys the replica for an unsubscribed asset.
func (g *Registry) Remove(assetID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.replicas, assetID)
}

// Assets returns the ids of all tracked replicas.
func (g *Registry) Assets() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.replicas))
	for id := range g.replicas {
		out = append(out, id)
	}
	return out
}
