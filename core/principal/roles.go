package principal

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/masomo-gate/core"
)

// Role is a canonical role tag. Raw role strings must go through NormalizeRole.
type Role string

// Roles
const (
	// Administrative: no profile or group needed
	RoleSuperAdmin Role = "super_admin"
	RoleGroupAdmin Role = "admin_groupe"

	// Tenant: usable once both a profile and a group are set
	RoleDirector   Role = "directeur"
	RoleTeacher    Role = "enseignant"
	RoleSecretary  Role = "secretaire"
	RoleAccountant Role = "comptable"
	RoleParent     Role = "parent"
	RoleStudent    Role = "eleve"
)

type RoleClass int

const (
	ClassUnknown RoleClass = iota
	ClassAdministrative
	ClassTenant
)

func (c RoleClass) String() string {
	switch c {
	case ClassAdministrative:
		return "administrative"
	case ClassTenant:
		return "tenant"
	default:
		return "unknown"
	}
}

var (
	AdminRoles  = []Role{RoleSuperAdmin, RoleGroupAdmin}
	TenantRoles = []Role{RoleDirector, RoleTeacher, RoleSecretary, RoleAccountant, RoleParent, RoleStudent}
	AllRoles    = getAllRoles()

	roleClasses = getRoleClasses()

	rolePriorities = map[Role]int{
		// Admins: 30 - 21
		RoleSuperAdmin: 30,
		RoleGroupAdmin: 25,

		// Staff: 20 - 11
		RoleDirector:   20,
		RoleTeacher:    15,
		RoleSecretary:  14,
		RoleAccountant: 13,

		// Families: 10 - 1
		RoleParent:  5,
		RoleStudent: 1,
	}

	// historical spellings found in user records
	roleAliases = map[string]Role{
		"superadmin":           RoleSuperAdmin,
		"super_administrateur": RoleSuperAdmin,
		"administrateur":       RoleSuperAdmin,
		"admin_super":          RoleSuperAdmin,

		"admin_group":           RoleGroupAdmin,
		"group_admin":           RoleGroupAdmin,
		"groupe_admin":          RoleGroupAdmin,
		"admin_de_groupe":       RoleGroupAdmin,
		"admin_groupe_scolaire": RoleGroupAdmin,
		"administrateur_groupe": RoleGroupAdmin,

		"director":     RoleDirector,
		"directrice":   RoleDirector,
		"teacher":      RoleTeacher,
		"professeur":   RoleTeacher,
		"prof":         RoleTeacher,
		"secretary":    RoleSecretary,
		"secrétaire":   RoleSecretary,
		"accountant":   RoleAccountant,
		"comptabilite": RoleAccountant,
		"parent_eleve": RoleParent,
		"student":      RoleStudent,
		"élève":        RoleStudent,
		"eleves":       RoleStudent,
	}

	Roles = []RoleInfo{
		{Name: "Super administrateur", Value: RoleSuperAdmin, Class: ClassAdministrative.String()},
		{Name: "Administrateur de groupe", Value: RoleGroupAdmin, Class: ClassAdministrative.String()},
		{Name: "Directeur", Value: RoleDirector, Class: ClassTenant.String()},
		{Name: "Enseignant", Value: RoleTeacher, Class: ClassTenant.String()},
		{Name: "Secrétaire", Value: RoleSecretary, Class: ClassTenant.String()},
		{Name: "Comptable", Value: RoleAccountant, Class: ClassTenant.String()},
		{Name: "Parent", Value: RoleParent, Class: ClassTenant.String()},
		{Name: "Élève", Value: RoleStudent, Class: ClassTenant.String()},
	}

	roleReplacer = strings.NewReplacer("-", "_", " ", "_")
)

type RoleInfo struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
	Class string `json:"class"`
}

func getAllRoles() []Role {
	all := make([]Role, 0, len(AdminRoles)+len(TenantRoles))
	all = append(all, AdminRoles...)
	all = append(all, TenantRoles...)
	return all
}

func getRoleClasses() map[Role]RoleClass {
	classes := make(map[Role]RoleClass, len(AdminRoles)+len(TenantRoles))
	for _, r := range AdminRoles {
		classes[r] = ClassAdministrative
	}
	for _, r := range TenantRoles {
		classes[r] = ClassTenant
	}
	return classes
}

// NormalizeRole maps a raw role string onto its canonical tag.
// Unrecognized strings come back cleaned but keep ClassUnknown.
func NormalizeRole(raw string) Role {
	s := roleReplacer.Replace(core.CleanString(raw, true /* lower */))
	if role, ok := roleAliases[s]; ok {
		return role
	}
	return Role(s)
}

func (r Role) Class() RoleClass {
	return roleClasses[r]
}

func (r Role) IsKnown() bool          { return r.Class() != ClassUnknown }
func (r Role) IsAdministrative() bool { return r.Class() == ClassAdministrative }
func (r Role) IsTenant() bool         { return r.Class() == ClassTenant }

func (r Role) Priority() int {
	return rolePriorities[r]
}

func MaxRolePriority(roles ...Role) int {
	var max int
	for _, role := range roles {
		if role.Priority() > max {
			max = role.Priority()
		}
	}
	return max
}

// SuggestRole returns the canonical role closest to raw, if any is close enough.
func SuggestRole(raw string) (Role, bool) {
	s := string(NormalizeRole(raw))
	if s == "" {
		return "", false
	}
	if Role(s).IsKnown() {
		return Role(s), true
	}

	candidates := make([]string, 0, len(AllRoles)+len(roleAliases))
	for _, r := range AllRoles {
		candidates = append(candidates, string(r))
	}
	for alias := range roleAliases {
		candidates = append(candidates, alias)
	}

	var (
		best      string
		bestRatio float64
	)
	for _, c := range candidates {
		ratio := difflib.NewMatcher(strings.Split(s, ""), strings.Split(c, "")).Ratio()
		if ratio > bestRatio || (ratio == bestRatio && c < best) {
			best, bestRatio = c, ratio
		}
	}
	if bestRatio < 0.6 {
		return "", false
	}
	return NormalizeRole(best), true
}
