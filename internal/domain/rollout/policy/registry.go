package policy

import (
	"fmt"
	"sort"

	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Registry maps projects to their policy. It is built once when
// configuration loads and is read-only afterwards.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a policy for every project.
func NewRegistry(settings []Settings, pipelines ports.PipelineSource) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(settings))}
	for _, s := range settings {
		if _, dup := r.policies[s.Project]; dup {
			return nil, rerrors.Config("policy.NewRegistry", fmt.Sprintf("project %q configured twice", s.Project))
		}
		p, err := New(s, pipelines)
		if err != nil {
			return nil, err
		}
		r.policies[s.Project] = p
	}
	return r, nil
}

// Lookup returns the policy of project or a configuration error.
func (r *Registry) Lookup(project string) (Policy, error) {
	p, ok := r.policies[project]
	if !ok {
		return nil, rerrors.Config("policy.Lookup", fmt.Sprintf("no release policy registered for project %q", project))
	}
	return p, nil
}

// Projects returns the registered projects, sorted.
func (r *Registry) Projects() []string {
	out := make([]string, 0, len(r.policies))
	for p := range r.policies {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
