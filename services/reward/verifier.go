package reward

import (
	"context"
	"sync"
)

// Verifier checks network specific proof that an ad was actually watched.
type Verifier interface {
	Network() string
	Verify(ctx context.Context, s Session, evidence map[string]string) error
}

type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[string]Verifier, len(verifiers))}
	for _, v := range verifiers {
		r.Register(v)
	}
	return r
}

func (r *Registry) Register(v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.Network()] = v
}

// For returns the verifier of network, or one that accepts everything.
func (r *Registry) For(network string) Verifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.verifiers[network]; ok {
		return v
	}
	return passThrough{network: network}
}

type passThrough struct {
	network string
}

func (p passThrough) Network() string { return p.network }

func (passThrough) Verify(context.Context, Session, map[string]string) error { return nil }
