package principal

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var errEmptyRecord = errors.New("empty record")

// Record is the row shape carried by change notifications.
// Absent values are encoded as null, like the database triggers do.
type Record struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	ProfileCode   *string    `json:"profile_code"`
	TenantGroupID *string    `json:"tenant_group_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

func NewRecord(p Principal) Record {
	rec := Record{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Name,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt,
	}
	if p.ProfileCode != "" {
		rec.ProfileCode = &p.ProfileCode
	}
	if p.TenantGroupID != "" {
		rec.TenantGroupID = &p.TenantGroupID
	}
	if !p.UpdatedAt.IsZero() {
		rec.UpdatedAt = &p.UpdatedAt
	}
	return rec
}

// GrantRecord is the module_grants row shape carried by change notifications.
type GrantRecord struct {
	PrincipalID string    `json:"principal_id"`
	Module      string    `json:"module"`
	GrantedAt   time.Time `json:"granted_at"`
}

func NewGrantRecord(g ModuleGrant) GrantRecord {
	return GrantRecord(g)
}

// DecodePatch turns a (possibly partial) principal row into a Patch.
// Keys present with a null value clear the field; absent keys leave it untouched.
func DecodePatch(data json.RawMessage) (Patch, error) {
	if len(data) == 0 || string(data) == "null" {
		return Patch{}, errEmptyRecord
	}
	var cols map[string]json.RawMessage
	if err := json.Unmarshal(data, &cols); err != nil {
		return Patch{}, errors.Wrap(err, "decoding principal record")
	}

	var patch Patch
	if raw, ok := cols["id"]; ok {
		if err := json.Unmarshal(raw, &patch.ID); err != nil {
			return Patch{}, errors.Wrap(err, "decoding id")
		}
	}
	fields := []struct {
		key string
		dst **string
	}{
		{"email", &patch.Email},
		{"name", &patch.Name},
		{"role", &patch.Role},
		{"profile_code", &patch.ProfileCode},
		{"tenant_group_id", &patch.TenantGroupID},
	}
	for _, f := range fields {
		raw, ok := cols[f.key]
		if !ok {
			continue
		}
		var val *string
		if err := json.Unmarshal(raw, &val); err != nil {
			return Patch{}, errors.Wrapf(err, "decoding %s", f.key)
		}
		if val == nil {
			val = new(string)
		}
		*f.dst = val
	}
	if raw, ok := cols["updated_at"]; ok {
		var ts *time.Time
		if err := json.Unmarshal(raw, &ts); err == nil && ts != nil {
			patch.UpdatedAt = ts
		}
	}
	return patch, nil
}

// DecodeGrant reads a module_grants row.
func DecodeGrant(data json.RawMessage) (GrantRecord, error) {
	var rec GrantRecord
	if len(data) == 0 || string(data) == "null" {
		return rec, errEmptyRecord
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrap(err, "decoding grant record")
	}
	if rec.PrincipalID == "" || rec.Module == "" {
		return rec, errors.New("incomplete grant record")
	}
	return rec, nil
}
