package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/voltplan/model"
)

// known lists the capabilities the API checks. Policy entries must name one
// of these or be a wildcard covering at least one.
var known = []string{
	model.CapCatalogRead,
	model.CapCatalogReload,
	model.CapFieldsRead,
	model.CapFieldsWrite,
}

type policyFile struct {
	Default []string            `yaml:"default"`
	Roles   map[string][]string `yaml:"roles"`
}

// StaticPolicy resolves capabilities from a YAML file mapping roles to
// capability strings. Capabilities under "default" go to every caller.
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads the policy at path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the defaults plus the union of the caller's
// role capabilities.
func (p *StaticPolicy) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, c := range p.policy.Default {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		for _, c := range p.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the roles the policy defines, sorted.
func (p *StaticPolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.policy.Roles))
	for r := range p.policy.Roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Sync reloads the policy file. A file naming an unknown capability is
// rejected and the previous policy stays in place.
func (p *StaticPolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}
	if err := pf.validate(); err != nil {
		return fmt.Errorf("capability: policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}

func (pf policyFile) validate() error {
	var bad []string
	check := func(where, c string) {
		if !grantsAny(c) {
			bad = append(bad, fmt.Sprintf("%s: %q", where, c))
		}
	}
	for _, c := range pf.Default {
		check("default", c)
	}
	for role, caps := range pf.Roles {
		for _, c := range caps {
			check("roles."+role, c)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("unknown capabilities: %s", strings.Join(bad, ", "))
	}
	return nil
}

func grantsAny(c string) bool {
	set := model.CapabilitySet{c: true}
	for _, k := range known {
		if set.Has(k) {
			return true
		}
	}
	return false
}
