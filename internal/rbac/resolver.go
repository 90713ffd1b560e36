package rbac

// Resolver computes effective permission sets. It is a pure function of its
// inputs plus the static role tables; no I/O and no locking needed.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the effective permission set for a principal in a scope.
// System-role permissions are always included. For non-global scopes, active
// memberships matching the scope's group identifier and kind contribute their
// role permissions plus custom grants.
func (r *Resolver) Resolve(p *Principal, scope Scope, orgID, groupID string) PermissionSet {
	set := make(PermissionSet, 32)
	set.union(expandRole(p.SystemRole))

	if scope == ScopeGlobal {
		return set
	}

	for i := range p.Memberships {
		m := &p.Memberships[i]
		if !m.Active {
			continue
		}
		if !membershipMatches(m, scope, orgID, groupID) {
			continue
		}
		set.union(expandRole(m.Role))
		set.union(m.CustomGrants)
	}
	return set
}

// membershipMatches reports whether a membership applies to the requested scope.
// Personal scope resolves against every active membership: a principal acting
// on their own resources keeps whatever their memberships grant.
func membershipMatches(m *Membership, scope Scope, orgID, groupID string) bool {
	switch scope {
	case ScopeOrganization:
		return m.Kind == KindOrganization && m.GroupID == orgID
	case ScopeGroup:
		return m.Kind == KindGroup && m.GroupID == groupID
	case ScopePersonal:
		return true
	default:
		return false
	}
}

// HighestRoleInScope returns the principal's best-ranked role considering the
// system role and active memberships matching the scope. Lower rank wins.
func (r *Resolver) HighestRoleInScope(p *Principal, scope Scope, orgID, groupID string) Role {
	best := p.SystemRole
	if scope == ScopeGlobal {
		return best
	}
	for i := range p.Memberships {
		m := &p.Memberships[i]
		if !m.Active || !membershipMatches(m, scope, orgID, groupID) {
			continue
		}
		if RankOf(m.Role) < RankOf(best) {
			best = m.Role
		}
	}
	return best
}

// RolesInScope returns every distinct role the principal holds in the scope:
// the system role plus roles of matching active memberships.
func (r *Resolver) RolesInScope(p *Principal, scope Scope, orgID, groupID string) []Role {
	seen := map[Role]bool{p.SystemRole: true}
	roles := []Role{p.SystemRole}
	if scope == ScopeGlobal {
		return roles
	}
	for i := range p.Memberships {
		m := &p.Memberships[i]
		if !m.Active || !membershipMatches(m, scope, orgID, groupID) {
			continue
		}
		if !seen[m.Role] {
			seen[m.Role] = true
			roles = append(roles, m.Role)
		}
	}
	return roles
}

// HasActiveMembership reports whether the principal holds any active
// membership in the given organization or group.
func HasActiveMembership(p *Principal, orgID, groupID string) bool {
	for i := range p.Memberships {
		m := &p.Memberships[i]
		if !m.Active {
			continue
		}
		if orgID != "" && m.Kind == KindOrganization && m.GroupID == orgID {
			return true
		}
		if groupID != "" && m.Kind == KindGroup && m.GroupID == groupID {
			return true
		}
	}
	return false
}
