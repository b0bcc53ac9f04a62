package principal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		raw  string
		want Role
	}{
		{raw: "super_admin", want: RoleSuperAdmin},
		{raw: " Super-Admin ", want: RoleSuperAdmin},
		{raw: "superadmin", want: RoleSuperAdmin},
		{raw: "administrateur", want: RoleSuperAdmin},
		{raw: "admin_groupe", want: RoleGroupAdmin},
		{raw: "Admin Group", want: RoleGroupAdmin},
		{raw: "administrateur-groupe", want: RoleGroupAdmin},
		{raw: "admin_groupe_scolaire", want: RoleGroupAdmin},
		{raw: "Enseignant", want: RoleTeacher},
		{raw: "professeur", want: RoleTeacher},
		{raw: "Élève", want: RoleStudent},
		{raw: "janitor", want: Role("janitor")},
		{raw: "", want: Role("")},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRole(tt.raw))
		})
	}
}

func TestRole_Class(t *testing.T) {
	for _, r := range AdminRoles {
		assert.True(t, r.IsAdministrative(), r)
		assert.False(t, r.IsTenant(), r)
	}
	for _, r := range TenantRoles {
		assert.True(t, r.IsTenant(), r)
		assert.False(t, r.IsAdministrative(), r)
	}
	assert.Equal(t, ClassUnknown, Role("janitor").Class())
	assert.False(t, Role("").IsKnown())

	// every alias lands on a known role
	for alias, r := range roleAliases {
		assert.True(t, r.IsKnown(), alias)
		assert.Equal(t, r, NormalizeRole(alias), alias)
	}
	assert.Len(t, Roles, len(AllRoles))
}

func TestMaxRolePriority(t *testing.T) {
	assert.Equal(t, RoleSuperAdmin.Priority(), MaxRolePriority(AdminRoles...))
	assert.Equal(t, RoleDirector.Priority(), MaxRolePriority(TenantRoles...))
	assert.Equal(t, 0, MaxRolePriority())
	assert.Equal(t, 0, MaxRolePriority("janitor"))
	assert.Greater(t, RoleSuperAdmin.Priority(), RoleGroupAdmin.Priority())
	assert.Greater(t, RoleGroupAdmin.Priority(), MaxRolePriority(TenantRoles...))
}

func TestSuggestRole(t *testing.T) {
	tests := []struct {
		raw   string
		want  Role
		found bool
	}{
		{raw: "enseignant", want: RoleTeacher, found: true},
		{raw: "enseignnt", want: RoleTeacher, found: true},
		{raw: "comptble", want: RoleAccountant, found: true},
		{raw: "xyz", found: false},
		{raw: "", found: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, found := SuggestRole(tt.raw)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
