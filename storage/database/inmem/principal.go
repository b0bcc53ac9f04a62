package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

type principalRepository struct {
	db *DB
}

var _ principal.Repository = (*principalRepository)(nil)

func NewPrincipalRepository(db *DB) principal.Repository {
	return &principalRepository{db: db}
}

func (repo *principalRepository) query() []principal.Principal {
	principals := make([]principal.Principal, 0, len(repo.db.principals.table))
	for _, p := range repo.db.principals.table {
		principals = append(principals, *p)
	}
	return principals
}

func (repo *principalRepository) CheckEmailUniqueness(_ context.Context, email string, excluded ...principal.Principal) error {
	repo.db.principals.mutex.RLock()
	defer repo.db.principals.mutex.RUnlock()

	for _, p := range repo.db.principals.table {
		if p.Email == email && !isExcluded(*p, excluded) {
			return principal.ErrEmailExists
		}
	}
	return nil
}

func (repo *principalRepository) CreatePrincipal(_ context.Context, p principal.Principal) (principal.Principal, error) {
	repo.db.principals.mutex.Lock()
	for _, existing := range repo.db.principals.table {
		if existing.Email == p.Email {
			repo.db.principals.mutex.Unlock()
			return principal.Principal{}, principal.ErrEmailExists
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	stored := p
	repo.db.principals.table[p.ID] = &stored
	repo.db.principals.mutex.Unlock()

	repo.db.emit(realtime.TablePrincipals, realtime.OpInsert, principal.NewRecord(p), nil)
	return p, nil
}

func (repo *principalRepository) QueryPrincipals(_ context.Context, filter *principal.QueryFilter, ordering []core.DBOrdering) ([]principal.Principal, error) {
	repo.db.principals.mutex.RLock()
	all := repo.query()
	repo.db.principals.mutex.RUnlock()

	principals := make([]principal.Principal, 0, len(all))
	for _, p := range all {
		if filter.Match(p) {
			principals = append(principals, p)
		}
	}
	sortPrincipals(principals, ordering)
	return principals, nil
}

func (repo *principalRepository) GetPrincipalByID(_ context.Context, id string) (principal.Principal, error) {
	repo.db.principals.mutex.RLock()
	defer repo.db.principals.mutex.RUnlock()

	if p, ok := repo.db.principals.table[id]; ok {
		return *p, nil
	}
	return principal.Principal{}, principal.ErrNotFound
}

func (repo *principalRepository) GetPrincipalByEmail(_ context.Context, email string) (principal.Principal, error) {
	repo.db.principals.mutex.RLock()
	defer repo.db.principals.mutex.RUnlock()

	for _, p := range repo.db.principals.table {
		if p.Email == email {
			return *p, nil
		}
	}
	return principal.Principal{}, principal.ErrNotFound
}

func (repo *principalRepository) UpdatePrincipal(_ context.Context, p principal.Principal) (principal.Principal, error) {
	repo.db.principals.mutex.Lock()
	orig, ok := repo.db.principals.table[p.ID]
	if !ok {
		repo.db.principals.mutex.Unlock()
		return principal.Principal{}, principal.ErrNotFound
	}
	old := *orig
	updated := old
	updated.Name = p.Name
	updated.Email = p.Email
	updated.Role = p.Role
	updated.ProfileCode = p.ProfileCode
	updated.TenantGroupID = p.TenantGroupID
	updated.UpdatedAt = p.UpdatedAt
	repo.db.principals.table[p.ID] = &updated
	repo.db.principals.mutex.Unlock()

	repo.db.emit(realtime.TablePrincipals, realtime.OpUpdate, principal.NewRecord(updated), principal.NewRecord(old))
	return updated, nil
}

// DeletePrincipalsByID also drops the principals' module grants.
func (repo *principalRepository) DeletePrincipalsByID(_ context.Context, ids ...string) (int, error) {
	deleted := make([]principal.Principal, 0, len(ids))
	repo.db.principals.mutex.Lock()
	for _, id := range ids {
		if p, ok := repo.db.principals.table[id]; ok {
			deleted = append(deleted, *p)
			delete(repo.db.principals.table, id)
		}
	}
	repo.db.principals.mutex.Unlock()

	revoked := make([]principal.ModuleGrant, 0)
	repo.db.grants.mutex.Lock()
	for _, p := range deleted {
		for _, g := range repo.db.grants.table[p.ID] {
			revoked = append(revoked, g)
		}
		delete(repo.db.grants.table, p.ID)
	}
	repo.db.grants.mutex.Unlock()

	sortGrants(revoked)
	for _, g := range revoked {
		repo.db.emit(realtime.TableModuleGrants, realtime.OpDelete, nil, principal.NewGrantRecord(g))
	}
	for _, p := range deleted {
		repo.db.emit(realtime.TablePrincipals, realtime.OpDelete, nil, principal.NewRecord(p))
	}
	return len(deleted), nil
}

func (repo *principalRepository) ListModuleGrants(_ context.Context, principalID string) ([]principal.ModuleGrant, error) {
	repo.db.grants.mutex.RLock()
	defer repo.db.grants.mutex.RUnlock()

	grants := make([]principal.ModuleGrant, 0, len(repo.db.grants.table[principalID]))
	for _, g := range repo.db.grants.table[principalID] {
		grants = append(grants, g)
	}
	sortGrants(grants)
	return grants, nil
}

func (repo *principalRepository) GrantModule(_ context.Context, g principal.ModuleGrant) (principal.ModuleGrant, bool, error) {
	repo.db.principals.mutex.RLock()
	_, exists := repo.db.principals.table[g.PrincipalID]
	repo.db.principals.mutex.RUnlock()
	if !exists {
		return principal.ModuleGrant{}, false, principal.ErrNotFound
	}

	repo.db.grants.mutex.Lock()
	modules, ok := repo.db.grants.table[g.PrincipalID]
	if !ok {
		modules = make(map[string]principal.ModuleGrant)
		repo.db.grants.table[g.PrincipalID] = modules
	}
	if existing, found := modules[g.Module]; found {
		repo.db.grants.mutex.Unlock()
		return existing, false, nil
	}
	modules[g.Module] = g
	repo.db.grants.mutex.Unlock()

	repo.db.emit(realtime.TableModuleGrants, realtime.OpInsert, principal.NewGrantRecord(g), nil)
	return g, true, nil
}

func (repo *principalRepository) RevokeModule(_ context.Context, principalID, module string) (principal.ModuleGrant, error) {
	repo.db.grants.mutex.Lock()
	g, ok := repo.db.grants.table[principalID][module]
	if !ok {
		repo.db.grants.mutex.Unlock()
		return principal.ModuleGrant{}, principal.ErrGrantNotFound
	}
	delete(repo.db.grants.table[principalID], module)
	repo.db.grants.mutex.Unlock()

	repo.db.emit(realtime.TableModuleGrants, realtime.OpDelete, nil, principal.NewGrantRecord(g))
	return g, nil
}

func isExcluded(p principal.Principal, excluded []principal.Principal) bool {
	for _, ex := range excluded {
		if ex.ID == p.ID {
			return true
		}
	}
	return false
}

func sortGrants(grants []principal.ModuleGrant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].PrincipalID != grants[j].PrincipalID {
			return grants[i].PrincipalID < grants[j].PrincipalID
		}
		return grants[i].Module < grants[j].Module
	})
}

// sortPrincipals applies ordering, newest first by default. Unknown fields are ignored.
func sortPrincipals(principals []principal.Principal, ordering []core.DBOrdering) {
	ordering = append(append([]core.DBOrdering(nil), ordering...), core.DBOrdering{Field: "created_at"}, core.DBOrdering{Field: "id", Ascending: true})

	sort.SliceStable(principals, func(i, j int) bool {
		a, b := principals[i], principals[j]
		for _, ord := range ordering {
			cmp := comparePrincipals(a, b, ord.Field)
			if cmp == 0 {
				continue
			}
			if ord.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

func comparePrincipals(a, b principal.Principal, field string) int {
	switch field {
	case "id":
		return strings.Compare(a.ID, b.ID)
	case "name":
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	case "email":
		return strings.Compare(a.Email, b.Email)
	case "role":
		return strings.Compare(string(a.Role), string(b.Role))
	case "created_at":
		return compareTimes(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	case "updated_at":
		return compareTimes(a.UpdatedAt.UnixNano(), b.UpdatedAt.UnixNano())
	}
	return 0
}

func compareTimes(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
