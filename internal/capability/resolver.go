// Package capability resolves and caches caller capabilities from a static
// role policy.
package capability

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/voltplan/model"
)

// grantKey identifies one cached grant. Roles are sorted and joined so a
// token listing the same roles in another order shares the entry.
type grantKey struct {
	subject string
	tenant  string
	roles   string
}

func (k grantKey) String() string {
	return k.tenant + "/" + k.subject + "/" + k.roles
}

func keyFor(rctx *model.RequestContext) grantKey {
	return grantKey{
		subject: rctx.SubjectID,
		tenant:  rctx.TenantID,
		roles:   strings.Join(slices.Sorted(slices.Values(rctx.Roles)), ","),
	}
}

type grant struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver over a PolicyEvaluator,
// caching each grant for ttl. Concurrent misses for one key evaluate the
// policy once.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	now       func() time.Time
	flight    singleflight.Group

	mu     sync.RWMutex
	grants map[grantKey]grant
}

// NewResolver returns a Resolver. A zero ttl disables caching.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		grants:    make(map[grantKey]grant),
	}
}

func (r *Resolver) cached(key grantKey) (model.CapabilitySet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[key]
	if !ok || !r.now().Before(g.expires) {
		return nil, false
	}
	return g.caps, true
}

// Resolve returns the caller's capability set.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := keyFor(rctx)
	if caps, ok := r.cached(key); ok {
		return caps, nil
	}

	v, err, _ := r.flight.Do(key.String(), func() (any, error) {
		caps, err := r.evaluator.ResolveCapabilities(rctx)
		if err != nil {
			return nil, err
		}
		if r.ttl > 0 {
			r.mu.Lock()
			r.grants[key] = grant{caps: caps, expires: r.now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return caps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.CapabilitySet), nil
}

// Require fails with FORBIDDEN naming the first capability the caller lacks.
func (r *Resolver) Require(rctx *model.RequestContext, caps ...string) error {
	set, err := r.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolving capabilities: %w", err)
	}
	if i := slices.IndexFunc(caps, func(c string) bool { return !set.Has(c) }); i >= 0 {
		return model.NewForbiddenError("missing capability " + caps[i])
	}
	return nil
}

// Invalidate drops every grant cached for the subject within the tenant,
// whatever roles it was resolved with.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.grants {
		if key.subject == subjectID && key.tenant == tenantID {
			delete(r.grants, key)
		}
	}
}

// Reload re-reads the policy and forgets all grants.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.grants)
	r.mu.Unlock()
	return nil
}
