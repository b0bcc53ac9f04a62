package principal

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-gate/core"
)

var (
	allRolesTag  = "allroles"
	allRolesText = "invalid role"

	moduleTag  = "module"
	moduleText = "unknown module"

	adminNoGroupTag  = "admin_no_group"
	adminNoGroupText = "administrative roles cannot belong to a group"

	profileTag  = "profile"
	profileText = "unknown profile"

	profileRoleTag  = "profile_role"
	profileRoleText = "this profile is not available for the principal's role"
)

// InitValidators registers the principal validators and their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(allRolesTag, allRolesValidation)
	core.RegisterCustomTranslation(validate, translator, allRolesTag, allRolesText)

	_ = validate.RegisterValidation(moduleTag, moduleValidation)
	core.RegisterCustomTranslation(validate, translator, moduleTag, moduleText)

	validate.RegisterStructValidation(principalStructValidation, principalRecord{})
	core.RegisterCustomTranslation(validate, translator, adminNoGroupTag, adminNoGroupText)
	core.RegisterCustomTranslation(validate, translator, profileTag, profileText)
	core.RegisterCustomTranslation(validate, translator, profileRoleTag, profileRoleText)
}

// Custom Validators

// allRolesValidation checks that the role is a canonical one.
func allRolesValidation(fl validator.FieldLevel) bool {
	role, ok := fl.Field().Interface().(Role)
	if !ok {
		if s, isStr := fl.Field().Interface().(string); isStr {
			role, ok = NormalizeRole(s), true
		}
	}
	return ok && role.IsKnown()
}

// moduleValidation checks that the slug is in the module catalog.
func moduleValidation(fl validator.FieldLevel) bool {
	return IsModule(fl.Field().String())
}

// principalStructValidation enforces the role/profile/group rules:
// - administrative roles never carry a group
// - a profile must exist and be meant for the principal's role
func principalStructValidation(sl validator.StructLevel) {
	rec, ok := sl.Current().Interface().(principalRecord)
	if !ok {
		return
	}

	if rec.Role.IsAdministrative() && rec.TenantGroupID != "" {
		sl.ReportError(rec.TenantGroupID, "tenant_group_id", "TenantGroupID", adminNoGroupTag, "")
	}

	if rec.ProfileCode == "" {
		return
	}
	profile, found := GetProfile(rec.ProfileCode)
	if !found {
		sl.ReportError(rec.ProfileCode, "profile_code", "ProfileCode", profileTag, "")
		return
	}
	if profile.Role != rec.Role {
		sl.ReportError(rec.ProfileCode, "profile_code", "ProfileCode", profileRoleTag, "")
	}
}
