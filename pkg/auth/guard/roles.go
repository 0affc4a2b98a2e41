package guard

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/permgate-go/pkg/logger"
)

// RoleGrants answers whether any of a token's roles grants a permission.
type RoleGrants interface {
	Granted(roles []string, permission string) (bool, error)
}

// Policies are "p, <role>, <permission>" rows; "g, <role>, <parent>" makes a
// role inherit another. Permissions may use keyMatch wildcards ("get:*").
const roleModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.act, p.act)
`

// CasbinRoleGrants resolves role grants with a casbin enforcer.
type CasbinRoleGrants struct {
	enforcer *casbin.Enforcer
	logger   logger.Logger
}

// NewCasbinRoleGrants loads policyPath, a casbin CSV policy file. An empty
// path starts with no grants.
func NewCasbinRoleGrants(policyPath string, log logger.Logger) (*CasbinRoleGrants, error) {
	m, err := model.NewModelFromString(roleModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load role model: %w", err)
	}

	var e *casbin.Enforcer
	if policyPath != "" {
		e, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	e.EnableLog(false)

	if log == nil {
		log = logger.NewNop()
	}
	policies, _ := e.GetPolicy()
	log.Info("Role grants loaded", "path", policyPath, "policies", len(policies))

	return &CasbinRoleGrants{enforcer: e, logger: log}, nil
}

// Granted reports whether any role is granted permission.
func (c *CasbinRoleGrants) Granted(roles []string, permission string) (bool, error) {
	for _, role := range roles {
		ok, err := c.enforcer.Enforce(role, permission)
		if err != nil {
			return false, fmt.Errorf("failed to check role %q: %w", role, err)
		}
		if ok {
			c.logger.Debug("Permission granted by role", "role", role, "permission", permission)
			return true, nil
		}
	}
	return false, nil
}
