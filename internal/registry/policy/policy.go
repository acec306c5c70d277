// Package policy loads the operator-supplied access policy: root admins and
// the scopes they administer. The policy is read once at startup and passed
// into replay configs as plain values; no process-wide registry exists.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// Scope is one declared scope.
type Scope struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Policy is the on-disk policy shape.
type Policy struct {
	RootAdmins []string `yaml:"root_admins"`
	Scopes     []Scope  `yaml:"scopes"`
}

// Load reads a YAML policy file. A missing file is a valid empty policy:
// no root admins, no declared scopes.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Policy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(policy.RootAdmins))
	for _, admin := range policy.RootAdmins {
		if admin == "" {
			return nil, fmt.Errorf("policy file %s: root_admins must not contain empty entries", path)
		}
		if seen[admin] {
			return nil, fmt.Errorf("policy file %s: duplicate root admin %q", path, admin)
		}
		seen[admin] = true
	}
	for _, scope := range policy.Scopes {
		if scope.Name == "" {
			return nil, fmt.Errorf("policy file %s: scopes must have a name", path)
		}
	}
	return &policy, nil
}

// PermissionConfig converts the policy into a replay config.
func (p *Policy) PermissionConfig() permission.Config {
	return permission.Config{RootAdmins: append([]string(nil), p.RootAdmins...)}
}

// KnownScope reports whether the scope is declared in the policy. An empty
// scope list declares nothing and constrains nothing.
func (p *Policy) KnownScope(name string) bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, scope := range p.Scopes {
		if scope.Name == name {
			return true
		}
	}
	return false
}
