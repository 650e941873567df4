package authkit

import (
	"sort"
	"strings"
	"sync"
)

// Role is a coarse-grained access-control unit.
type Role string

// Permission is a fine-grained capability.
type Permission string

const (
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleGuest     Role = "guest"

	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionUpdate Permission = "update"
)

// DefaultRolePermissions returns the built-in role matrix.
func DefaultRolePermissions() map[Role][]Permission {
	return map[Role][]Permission{
		RoleAdmin:     {PermissionRead, PermissionWrite, PermissionDelete, PermissionUpdate},
		RoleUser:      {PermissionRead, PermissionWrite},
		RoleModerator: {PermissionRead, PermissionUpdate},
		RoleGuest:     {PermissionRead},
	}
}

type permissionSet map[Permission]struct{}

// AccessControl maps roles to permissions. Mutations are visible to the next check.
// An unknown role grants nothing.
type AccessControl struct {
	mutex     sync.RWMutex
	roles     map[Role]permissionSet
	resources map[string]map[Role]permissionSet
}

// NewAccessControl builds an evaluator from matrix, or from DefaultRolePermissions when nil.
func NewAccessControl(matrix map[Role][]Permission) *AccessControl {
	if matrix == nil {
		matrix = DefaultRolePermissions()
	}
	accessControl := &AccessControl{
		roles:     make(map[Role]permissionSet, len(matrix)),
		resources: make(map[string]map[Role]permissionSet),
	}
	for role, permissions := range matrix {
		set := make(permissionSet, len(permissions))
		for _, permission := range permissions {
			set[permission] = struct{}{}
		}
		accessControl.roles[role] = set
	}
	return accessControl
}

// Grant adds permission to role, creating the role if needed.
func (accessControl *AccessControl) Grant(role Role, permission Permission) {
	accessControl.mutex.Lock()
	defer accessControl.mutex.Unlock()
	set, exists := accessControl.roles[role]
	if !exists {
		set = make(permissionSet)
		accessControl.roles[role] = set
	}
	set[permission] = struct{}{}
}

// Revoke removes permission from role. The role stays present with a possibly empty set.
func (accessControl *AccessControl) Revoke(role Role, permission Permission) {
	accessControl.mutex.Lock()
	defer accessControl.mutex.Unlock()
	if set, exists := accessControl.roles[role]; exists {
		delete(set, permission)
	}
}

// PermissionsFor returns the sorted union of permissions granted to roles.
func (accessControl *AccessControl) PermissionsFor(roles ...Role) []Permission {
	accessControl.mutex.RLock()
	union := make(permissionSet)
	for _, role := range roles {
		for permission := range accessControl.roles[role] {
			union[permission] = struct{}{}
		}
	}
	accessControl.mutex.RUnlock()
	return sortedPermissions(union)
}

// Matrix returns a snapshot of the role table.
func (accessControl *AccessControl) Matrix() map[Role][]Permission {
	accessControl.mutex.RLock()
	defer accessControl.mutex.RUnlock()
	snapshot := make(map[Role][]Permission, len(accessControl.roles))
	for role, set := range accessControl.roles {
		snapshot[role] = sortedPermissions(set)
	}
	return snapshot
}

// HasPermission reports whether any role held by principal grants permission.
func (accessControl *AccessControl) HasPermission(principal Principal, permission Permission) bool {
	accessControl.mutex.RLock()
	defer accessControl.mutex.RUnlock()
	for _, role := range principal.Roles {
		if _, granted := accessControl.roles[role][permission]; granted {
			return true
		}
	}
	return false
}

// HasRole reports whether principal holds role.
func (accessControl *AccessControl) HasRole(principal Principal, role Role) bool {
	for _, held := range principal.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// SetResourcePermissions replaces the permissions role holds on resource.
func (accessControl *AccessControl) SetResourcePermissions(resource string, role Role, permissions ...Permission) {
	accessControl.mutex.Lock()
	defer accessControl.mutex.Unlock()
	byRole, exists := accessControl.resources[resource]
	if !exists {
		byRole = make(map[Role]permissionSet)
		accessControl.resources[resource] = byRole
	}
	set := make(permissionSet, len(permissions))
	for _, permission := range permissions {
		set[permission] = struct{}{}
	}
	byRole[role] = set
}

// RemoveResource drops every grant on resource.
func (accessControl *AccessControl) RemoveResource(resource string) {
	accessControl.mutex.Lock()
	defer accessControl.mutex.Unlock()
	delete(accessControl.resources, resource)
}

// HasResourceAccess reports whether principal may exercise permission on resource.
// Unregistered resources deny every request.
func (accessControl *AccessControl) HasResourceAccess(principal Principal, resource string, permission Permission) bool {
	accessControl.mutex.RLock()
	defer accessControl.mutex.RUnlock()
	byRole, exists := accessControl.resources[resource]
	if !exists {
		return false
	}
	for _, role := range principal.Roles {
		if _, granted := byRole[role][permission]; granted {
			return true
		}
	}
	return false
}

// ParseRoles converts raw role names, dropping blanks and duplicates.
func ParseRoles(raw []string) []Role {
	seen := make(map[Role]struct{}, len(raw))
	roles := make([]Role, 0, len(raw))
	for _, value := range raw {
		role := Role(strings.ToLower(strings.TrimSpace(value)))
		if role == "" {
			continue
		}
		if _, duplicate := seen[role]; duplicate {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func sortedPermissions(set permissionSet) []Permission {
	permissions := make([]Permission, 0, len(set))
	for permission := range set {
		permissions = append(permissions, permission)
	}
	sort.Slice(permissions, func(left, right int) bool {
		return permissions[left] < permissions[right]
	})
	return permissions
}
