package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

const (
	principalColumns = "id, email, name, role, profile_code, tenant_group_id, created_at, updated_at"
	grantColumns     = "principal_id, module, granted_at"

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// orderable principal fields (json name -> column)
var principalOrderings = map[string]string{
	"id":         "id",
	"name":       "lower(name)",
	"email":      "email",
	"role":       "role",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

type (
	principalRow struct {
		ID            string      `db:"id"`
		Email         string      `db:"email"`
		Name          string      `db:"name"`
		Role          string      `db:"role"`
		ProfileCode   null.String `db:"profile_code"`
		TenantGroupID null.String `db:"tenant_group_id"`
		CreatedAt     null.Time   `db:"created_at"`
		UpdatedAt     null.Time   `db:"updated_at"`
	}

	grantRow struct {
		PrincipalID string    `db:"principal_id"`
		Module      string    `db:"module"`
		GrantedAt   null.Time `db:"granted_at"`
	}

	principalRepository struct {
		db *sqlx.DB
	}
)

var _ principal.Repository = (*principalRepository)(nil) // interface compliance check

// NewPrincipalRepository stores principals in postgres. Change notifications are
// emitted by the table triggers, not by the repository.
func NewPrincipalRepository(db *sqlx.DB) principal.Repository {
	return &principalRepository{db: db}
}

func toRow(p principal.Principal) principalRow {
	return principalRow{
		ID:            p.ID,
		Email:         p.Email,
		Name:          p.Name,
		Role:          string(p.Role),
		ProfileCode:   null.NewString(p.ProfileCode, p.ProfileCode != ""),
		TenantGroupID: null.NewString(p.TenantGroupID, p.TenantGroupID != ""),
		CreatedAt:     null.NewTime(p.CreatedAt.UTC(), !p.CreatedAt.IsZero()),
		UpdatedAt:     null.NewTime(p.UpdatedAt.UTC(), !p.UpdatedAt.IsZero()),
	}
}

func (row principalRow) principal() principal.Principal {
	return principal.Principal{
		ID:            row.ID,
		Email:         row.Email,
		Name:          row.Name,
		Role:          principal.NormalizeRole(row.Role),
		ProfileCode:   row.ProfileCode.String,
		TenantGroupID: row.TenantGroupID.String,
		CreatedAt:     row.CreatedAt.Time.UTC(),
		UpdatedAt:     row.UpdatedAt.Time.UTC(),
	}
}

func (row grantRow) grant() principal.ModuleGrant {
	return principal.ModuleGrant{PrincipalID: row.PrincipalID, Module: row.Module, GrantedAt: row.GrantedAt.Time.UTC()}
}

// trapNoRowsErr maps psql "no rows" err to notFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// validID keeps malformed ids from reaching postgres, where they are a syntax error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (repo *principalRepository) CheckEmailUniqueness(ctx context.Context, email string, excluded ...principal.Principal) error {
	q := "SELECT EXISTS (SELECT 1 FROM principals WHERE email = $1 AND NOT (id = ANY($2)))"
	ids := make([]string, 0, len(excluded))
	for _, p := range excluded {
		if validID(p.ID) {
			ids = append(ids, p.ID)
		}
	}

	var exists bool
	if err := repo.db.GetContext(ctx, &exists, q, email, pq.Array(ids)); err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	if exists {
		return principal.ErrEmailExists
	}
	return nil
}

func (repo *principalRepository) CreatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	q := fmt.Sprintf(`INSERT INTO principals (%s)
		VALUES (:id, :email, :name, :role, :profile_code, :tenant_group_id, :created_at, :updated_at)`, principalColumns)
	if _, err := repo.db.NamedExecContext(ctx, q, toRow(p)); err != nil {
		if pqCode(err) == pqUniqueViolation {
			return principal.Principal{}, principal.ErrEmailExists
		}
		return principal.Principal{}, errors.Wrap(err, "inserting principal")
	}
	return p, nil
}

// buildFilter turns filter into a WHERE clause and its positional args.
func buildFilter(filter *principal.QueryFilter) (string, []interface{}) {
	if filter == nil || filter.IsEmpty() {
		return "", nil
	}
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		val := arg("%" + filter.Search + "%")
		conds = append(conds, fmt.Sprintf("(name ILIKE %s OR email ILIKE %s)", val, val))
	}
	if len(filter.Roles) > 0 {
		conds = append(conds, fmt.Sprintf("role = ANY(%s)", arg(pq.Array(filter.Roles))))
	}
	if filter.TenantGroupID != "" {
		conds = append(conds, fmt.Sprintf("tenant_group_id = %s", arg(filter.TenantGroupID)))
	}
	if filter.Pending != nil {
		adminRoles, tenantRoles := make([]string, 0), make([]string, 0)
		for _, r := range principal.AdminRoles {
			adminRoles = append(adminRoles, string(r))
		}
		for _, r := range principal.TenantRoles {
			tenantRoles = append(tenantRoles, string(r))
		}
		configured := fmt.Sprintf(
			"(role = ANY(%s) OR (role = ANY(%s) AND profile_code IS NOT NULL AND tenant_group_id IS NOT NULL))",
			arg(pq.Array(adminRoles)), arg(pq.Array(tenantRoles)),
		)
		if *filter.Pending {
			configured = "NOT " + configured
		}
		conds = append(conds, configured)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (repo *principalRepository) QueryPrincipals(ctx context.Context, filter *principal.QueryFilter, ordering []core.DBOrdering) ([]principal.Principal, error) {
	where, args := buildFilter(filter)
	orderBy := core.OrderByClause(ordering, principalOrderings, "created_at DESC")
	q := fmt.Sprintf("SELECT %s FROM principals%s ORDER BY %s, id ASC", principalColumns, where, orderBy)

	var rows []principalRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying principals")
	}
	principals := make([]principal.Principal, 0, len(rows))
	for _, row := range rows {
		principals = append(principals, row.principal())
	}
	return principals, nil
}

func (repo *principalRepository) GetPrincipalByID(ctx context.Context, id string) (principal.Principal, error) {
	if !validID(id) {
		return principal.Principal{}, principal.ErrNotFound
	}
	var row principalRow
	q := fmt.Sprintf("SELECT %s FROM principals WHERE id = $1", principalColumns)
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		return principal.Principal{}, trapNoRowsErr(err, principal.ErrNotFound, "getting principal by ID")
	}
	return row.principal(), nil
}

func (repo *principalRepository) GetPrincipalByEmail(ctx context.Context, email string) (principal.Principal, error) {
	var row principalRow
	q := fmt.Sprintf("SELECT %s FROM principals WHERE email = $1", principalColumns)
	if err := repo.db.GetContext(ctx, &row, q, email); err != nil {
		return principal.Principal{}, trapNoRowsErr(err, principal.ErrNotFound, "getting principal by email")
	}
	return row.principal(), nil
}

func (repo *principalRepository) UpdatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	if !validID(p.ID) {
		return principal.Principal{}, principal.ErrNotFound
	}
	q := fmt.Sprintf(`UPDATE principals
		SET email = :email, name = :name, role = :role, profile_code = :profile_code,
			tenant_group_id = :tenant_group_id, updated_at = :updated_at
		WHERE id = :id
		RETURNING %s`, principalColumns)

	rows, err := repo.db.NamedQueryContext(ctx, q, toRow(p))
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return principal.Principal{}, principal.ErrEmailExists
		}
		return principal.Principal{}, errors.Wrap(err, "updating principal")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return principal.Principal{}, errors.Wrap(err, "updating principal")
		}
		return principal.Principal{}, principal.ErrNotFound
	}
	var row principalRow
	if err = rows.StructScan(&row); err != nil {
		return principal.Principal{}, errors.Wrap(err, "scanning principal")
	}
	return row.principal(), nil
}

// DeletePrincipalsByID relies on ON DELETE CASCADE to drop the principals' module grants.
func (repo *principalRepository) DeletePrincipalsByID(ctx context.Context, ids ...string) (int, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	res, err := repo.db.ExecContext(ctx, "DELETE FROM principals WHERE id = ANY($1)", pq.Array(valid))
	if err != nil {
		return 0, errors.Wrap(err, "deleting principals")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted principals")
	}
	return int(cnt), nil
}

func (repo *principalRepository) ListModuleGrants(ctx context.Context, principalID string) ([]principal.ModuleGrant, error) {
	if !validID(principalID) {
		return []principal.ModuleGrant{}, nil
	}
	var rows []grantRow
	q := fmt.Sprintf("SELECT %s FROM module_grants WHERE principal_id = $1 ORDER BY module", grantColumns)
	if err := repo.db.SelectContext(ctx, &rows, q, principalID); err != nil {
		return nil, errors.Wrap(err, "listing module grants")
	}
	grants := make([]principal.ModuleGrant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, row.grant())
	}
	return grants, nil
}

func (repo *principalRepository) GrantModule(ctx context.Context, g principal.ModuleGrant) (principal.ModuleGrant, bool, error) {
	if !validID(g.PrincipalID) {
		return principal.ModuleGrant{}, false, principal.ErrNotFound
	}
	insert := fmt.Sprintf(`INSERT INTO module_grants (%s) VALUES ($1, $2, $3)
		ON CONFLICT (principal_id, module) DO NOTHING
		RETURNING %s`, grantColumns, grantColumns)

	var row grantRow
	err := repo.db.GetContext(ctx, &row, insert, g.PrincipalID, g.Module, g.GrantedAt.UTC())
	switch {
	case err == nil:
		return row.grant(), true, nil
	case pqCode(err) == pqForeignKeyViolation:
		return principal.ModuleGrant{}, false, principal.ErrNotFound
	case err != sql.ErrNoRows:
		return principal.ModuleGrant{}, false, errors.Wrap(err, "granting module")
	}

	// already granted
	q := fmt.Sprintf("SELECT %s FROM module_grants WHERE principal_id = $1 AND module = $2", grantColumns)
	if err = repo.db.GetContext(ctx, &row, q, g.PrincipalID, g.Module); err != nil {
		return principal.ModuleGrant{}, false, trapNoRowsErr(err, principal.ErrGrantNotFound, "getting module grant")
	}
	return row.grant(), false, nil
}

func (repo *principalRepository) RevokeModule(ctx context.Context, principalID, module string) (principal.ModuleGrant, error) {
	if !validID(principalID) {
		return principal.ModuleGrant{}, principal.ErrGrantNotFound
	}
	var row grantRow
	q := fmt.Sprintf("DELETE FROM module_grants WHERE principal_id = $1 AND module = $2 RETURNING %s", grantColumns)
	if err := repo.db.GetContext(ctx, &row, q, principalID, module); err != nil {
		return principal.ModuleGrant{}, trapNoRowsErr(err, principal.ErrGrantNotFound, "revoking module")
	}
	return row.grant(), nil
}
