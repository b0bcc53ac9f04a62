package principal

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-gate/core"
)

// ConfigurationIssue tells what a tenant principal is missing before it can use the app.
type ConfigurationIssue string

const (
	IssueNone        ConfigurationIssue = "none"
	IssueNoProfile   ConfigurationIssue = "no_profile"
	IssueNoGroup     ConfigurationIssue = "no_group"
	IssueBothMissing ConfigurationIssue = "both_missing"
)

type Principal struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	ProfileCode   string    `json:"profile_code,omitempty"`
	TenantGroupID string    `json:"tenant_group_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"` // UTC
	UpdatedAt     time.Time `json:"updated_at"` // UTC
}

// ConfigurationIssue is recomputed from the principal's current state on every call.
func (p Principal) ConfigurationIssue() ConfigurationIssue {
	switch p.Role.Class() {
	case ClassAdministrative:
		return IssueNone
	case ClassTenant:
		hasProfile, hasGroup := p.ProfileCode != "", p.TenantGroupID != ""
		switch {
		case hasProfile && hasGroup:
			return IssueNone
		case hasGroup:
			return IssueNoProfile
		case hasProfile:
			return IssueNoGroup
		}
	}
	return IssueBothMissing
}

func (p Principal) IsConfigured() bool {
	return p.ConfigurationIssue() == IssueNone
}

// Validate checks the invariants every constructed Principal must hold.
func (p Principal) Validate(validate *validator.Validate) error {
	rec := principalRecord{
		Email:         p.Email,
		Role:          p.Role,
		ProfileCode:   p.ProfileCode,
		TenantGroupID: p.TenantGroupID,
	}
	return validate.Struct(rec)
}

// Merge applies the set fields of patch. It reports whether anything changed.
func (p *Principal) Merge(patch Patch) bool {
	changed := false
	set := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	set(&p.Email, patch.Email)
	set(&p.Name, patch.Name)
	set(&p.ProfileCode, patch.ProfileCode)
	set(&p.TenantGroupID, patch.TenantGroupID)
	if patch.Role != nil {
		if role := NormalizeRole(*patch.Role); role != p.Role {
			p.Role = role
			changed = true
		}
	}
	if patch.UpdatedAt != nil && !patch.UpdatedAt.Equal(p.UpdatedAt) {
		p.UpdatedAt = *patch.UpdatedAt
	}
	return changed
}

// Patch returns a patch setting every mutable field of p.
func (p Principal) Patch() Patch {
	role := string(p.Role)
	email, name, profileCode, groupID, updatedAt := p.Email, p.Name, p.ProfileCode, p.TenantGroupID, p.UpdatedAt
	return Patch{
		ID:            p.ID,
		Email:         &email,
		Name:          &name,
		Role:          &role,
		ProfileCode:   &profileCode,
		TenantGroupID: &groupID,
		UpdatedAt:     &updatedAt,
	}
}

// Patch is a partial principal record, as received from change notifications.
// nil fields are left untouched; an empty string clears the field.
type Patch struct {
	ID            string     `json:"id"`
	Email         *string    `json:"email"`
	Name          *string    `json:"name"`
	Role          *string    `json:"role"`
	ProfileCode   *string    `json:"profile_code"`
	TenantGroupID *string    `json:"tenant_group_id"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

// principalRecord is the validated shape shared by Principal, NewPrincipal and UpdatePrincipal.
type principalRecord struct {
	Email         string `json:"email" validate:"required,email"`
	Role          Role   `json:"role" validate:"required,allroles"`
	ProfileCode   string `json:"profile_code" validate:"omitempty,slug"`
	TenantGroupID string `json:"tenant_group_id"`
}

// NewPrincipal contains information needed to provision a new Principal.
type NewPrincipal struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	Role          Role   `json:"role" validate:"required,allroles"`
	ProfileCode   string `json:"profile_code"`
	TenantGroupID string `json:"tenant_group_id"`
}

func (np *NewPrincipal) Validate(ctx context.Context, validate *validator.Validate, svc ServiceInterface) error {
	np.Name = core.CleanString(np.Name)
	np.Email = core.CleanString(np.Email, true /* lower */)
	np.Role = NormalizeRole(string(np.Role))
	np.ProfileCode = core.CleanString(np.ProfileCode, true /* lower */)
	np.TenantGroupID = core.CleanString(np.TenantGroupID)

	if err := validate.Struct(np); err != nil {
		return err
	}
	if err := np.principal().Validate(validate); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, np.Email)
}

func (np NewPrincipal) principal() Principal {
	return Principal{
		Name:          np.Name,
		Email:         np.Email,
		Role:          np.Role,
		ProfileCode:   np.ProfileCode,
		TenantGroupID: np.TenantGroupID,
	}
}

// UpdatePrincipal defines what an administrator may change on an existing Principal.
// nil fields are left untouched; an empty string clears the field.
type UpdatePrincipal struct {
	Name                *string `json:"name"`
	Email               *string `json:"email"`
	Role                *Role   `json:"role"`
	ProfileCode         *string `json:"profile_code"`
	TenantGroupID       *string `json:"tenant_group_id"`
	ApplyProfileModules bool    `json:"apply_profile_modules"`
}

// Apply returns orig with the update applied, normalizing every value on the way.
func (up UpdatePrincipal) Apply(orig Principal) Principal {
	p := orig
	if up.Name != nil {
		p.Name = core.CleanString(*up.Name)
	}
	if up.Email != nil {
		p.Email = core.CleanString(*up.Email, true /* lower */)
	}
	if up.Role != nil {
		p.Role = NormalizeRole(string(*up.Role))
	}
	if up.ProfileCode != nil {
		p.ProfileCode = core.CleanString(*up.ProfileCode, true /* lower */)
	}
	if up.TenantGroupID != nil {
		p.TenantGroupID = core.CleanString(*up.TenantGroupID)
	}
	return p
}

func (up *UpdatePrincipal) Validate(ctx context.Context, orig Principal, validate *validator.Validate, svc ServiceInterface) error {
	p := up.Apply(orig)
	if err := p.Validate(validate); err != nil {
		return err
	}
	if p.Email != orig.Email {
		return svc.CheckUniqueness(ctx, p.Email, orig)
	}
	return nil
}

// ModuleGrant authorizes a principal to enter one module workspace.
type ModuleGrant struct {
	PrincipalID string    `json:"principal_id"`
	Module      string    `json:"module"`
	GrantedAt   time.Time `json:"granted_at"`
}

type QueryFilter struct {
	Search        string   `query:"search"`
	Roles         []string `query:"role"`
	TenantGroupID string   `query:"tenant_group_id"`
	Pending       *bool    `query:"pending"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.TenantGroupID == "" && qf.Pending == nil
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.TenantGroupID = core.CleanString(qf.TenantGroupID)
	roles := make([]string, 0, len(qf.Roles))
	for _, r := range qf.Roles {
		if r = string(NormalizeRole(r)); r != "" {
			roles = append(roles, r)
		}
	}
	if len(roles) > 0 {
		qf.Roles = roles
	} else {
		qf.Roles = nil
	}
}

// Match applies the filter in memory; repositories without a query language use it.
func (qf *QueryFilter) Match(p Principal) bool {
	if qf == nil {
		return true
	}
	if qf.Search != "" && !containsFold(p.Name, qf.Search) && !containsFold(p.Email, qf.Search) {
		return false
	}
	if len(qf.Roles) > 0 {
		found := false
		for _, r := range qf.Roles {
			if Role(r) == p.Role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if qf.TenantGroupID != "" && p.TenantGroupID != qf.TenantGroupID {
		return false
	}
	if qf.Pending != nil && *qf.Pending == p.IsConfigured() {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
