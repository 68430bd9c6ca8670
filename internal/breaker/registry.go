package breaker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry hands out exactly one breaker per protected service name,
// created lazily on first lookup.
type Registry struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, log *logrus.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.cfg, r.log)
	r.breakers[service] = b
	return b
}

// GetWith is Get with a per-service error classifier.
func (r *Registry) GetWith(service string, classify Classifier) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	cfg := r.cfg
	cfg.Classify = classify
	b := New(service, cfg, r.log)
	r.breakers[service] = b
	return b
}

func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	return out
}
