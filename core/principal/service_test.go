package principal_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
	"github.com/trezcool/masomo-gate/storage/database/inmem"
	"github.com/trezcool/masomo-gate/tests"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, change realtime.Change) error {
	return m.Called(ctx, change).Error(0)
}

func ops(changes []realtime.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Table+" "+string(c.Op))
	}
	return out
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	repo, svc, mailSvc := newService(t)
	superAdmin := testutil.CreatePrincipal(t, repo, "Root", "root@test.cd", principal.RoleSuperAdmin, "", "")
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	code := "enseignant_saisie_notes"
	updated, err := svc.Update(ctx, teacher, principal.UpdatePrincipal{ProfileCode: &code, ApplyProfileModules: true}, superAdmin)
	require.NoError(t, err)
	assert.Equal(t, code, updated.ProfileCode)
	assert.True(t, updated.IsConfigured())
	assert.False(t, updated.UpdatedAt.Before(teacher.UpdatedAt))

	modules, err := svc.Modules(ctx, teacher.ID)
	require.NoError(t, err)
	profile, _ := principal.GetProfile(code)
	assert.ElementsMatch(t, profile.Modules, modules)

	sent := mailSvc.Sent()
	if assert.Len(t, sent, 1) {
		assert.Equal(t, "teacher@test.cd", sent[0].To[0].Address)
		assert.Equal(t, "Your account is ready", sent[0].Subject)
		assert.Contains(t, sent[0].TextContent, profile.Name)
	}

	// already configured: no second email
	name := "Mwalimu"
	_, err = svc.Update(ctx, updated, principal.UpdatePrincipal{Name: &name}, superAdmin)
	require.NoError(t, err)
	assert.Len(t, mailSvc.Sent(), 1)
}

func TestService_Update_rolePriority(t *testing.T) {
	ctx := context.Background()
	repo, svc, _ := newService(t)
	groupAdmin := testutil.CreatePrincipal(t, repo, "GA", "ga@test.cd", principal.RoleGroupAdmin, "", "")
	parent := testutil.CreatePrincipal(t, repo, "Parent", "parent@test.cd", principal.RoleParent, "", "")

	role := principal.RoleSuperAdmin
	_, err := svc.Update(ctx, parent, principal.UpdatePrincipal{Role: &role}, groupAdmin)
	require.Error(t, err)
	assert.Equal(t, principal.ErrRoleForbidden, errors.Cause(err).(*core.ValidationError).Err)

	role = principal.RoleDirector
	p, err := svc.Update(ctx, parent, principal.UpdatePrincipal{Role: &role}, groupAdmin)
	require.NoError(t, err)
	assert.Equal(t, principal.RoleDirector, p.Role)
}

func TestService_GrantRevoke(t *testing.T) {
	ctx := context.Background()
	repo, svc, _ := newService(t)
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")
	admin := testutil.CreatePrincipal(t, repo, "Admin", "admin@test.cd", principal.RoleGroupAdmin, "", "")

	g, err := svc.Grant(ctx, teacher.ID, " Notes ")
	require.NoError(t, err)
	assert.Equal(t, principal.ModuleGrades, g.Module)

	g2, err := svc.Grant(ctx, teacher.ID, principal.ModuleGrades)
	require.NoError(t, err)
	assert.True(t, g.GrantedAt.Equal(g2.GrantedAt), "granting twice keeps the first grant")

	_, err = svc.Grant(ctx, teacher.ID, "cantine")
	assert.True(t, core.IsValidationError(err))

	_, err = svc.Grant(ctx, admin.ID, principal.ModuleGrades)
	assert.True(t, core.IsValidationError(err))

	_, err = svc.Grant(ctx, "missing", principal.ModuleGrades)
	assert.Equal(t, principal.ErrNotFound, errors.Cause(err))

	require.NoError(t, svc.Revoke(ctx, teacher.ID, principal.ModuleGrades))
	require.NoError(t, svc.Revoke(ctx, teacher.ID, principal.ModuleGrades), "revoking a missing grant is a no-op")

	modules, err := svc.Modules(ctx, teacher.ID)
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	repo, svc, _ := newService(t)
	p1 := testutil.CreatePrincipal(t, repo, "One", "one@test.cd", principal.RoleStudent, "", "")
	p2 := testutil.CreatePrincipal(t, repo, "Two", "two@test.cd", principal.RoleStudent, "", "")
	testutil.GrantModules(t, repo, p1.ID, principal.ModuleLibrary)

	cnt, err := svc.Delete(ctx, p1.ID, "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)

	_, err = svc.GetByID(ctx, p1.ID)
	assert.Equal(t, principal.ErrNotFound, errors.Cause(err))
	modules, err := svc.Modules(ctx, p1.ID)
	require.NoError(t, err)
	assert.Empty(t, modules)

	p, err := svc.GetByEmail(ctx, " TWO@test.cd ")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, p.ID)
}

func TestService_publishes(t *testing.T) {
	ctx := context.Background()
	db, err := inmemdb.Open()
	require.NoError(t, err)
	repo := inmemdb.NewPrincipalRepository(db)
	root := testutil.CreatePrincipal(t, repo, "Root", "root@test.cd", principal.RoleSuperAdmin, "", "")

	var published []realtime.Change
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, mock.AnythingOfType("realtime.Change")).
		Run(func(args mock.Arguments) { published = append(published, args.Get(1).(realtime.Change)) }).
		Return(nil)

	svc := principal.NewService(repo, pub, nil, testutil.NewLogger(), &core.Config{})

	p, err := svc.Create(ctx, principal.NewPrincipal{Name: "Eleve", Email: "eleve@test.cd", Role: principal.RoleStudent})
	require.NoError(t, err)
	group := "g1"
	p, err = svc.Update(ctx, p, principal.UpdatePrincipal{TenantGroupID: &group}, root)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, p.ID, principal.ModuleLibrary)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, p.ID, principal.ModuleLibrary) // no change, nothing published
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, p.ID, principal.ModuleLibrary))
	_, err = svc.Delete(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"principals INSERT",
		"principals UPDATE",
		"module_grants INSERT",
		"module_grants DELETE",
		"principals DELETE",
	}, ops(published))

	var rec principal.Record
	require.NoError(t, json.Unmarshal(published[1].Record, &rec))
	assert.Equal(t, "g1", *rec.TenantGroupID)
	require.NoError(t, json.Unmarshal(published[1].Old, &rec))
	assert.Nil(t, rec.TenantGroupID)
	assert.True(t, published[1].Matches(realtime.TablePrincipals, realtime.Eq("id", p.ID)))
	assert.Empty(t, published[4].Record)
	pub.AssertNumberOfCalls(t, "Publish", 5)
}

func TestService_publishFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	db, err := inmemdb.Open()
	require.NoError(t, err)
	repo := inmemdb.NewPrincipalRepository(db)
	logger := testutil.NewLogger()

	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	svc := principal.NewService(repo, pub, nil, logger, &core.Config{})

	_, err = svc.Create(ctx, principal.NewPrincipal{Name: "Eleve", Email: "eleve@test.cd", Role: principal.RoleStudent})
	require.NoError(t, err, "the write succeeded, listeners will catch up on their next refresh")
	assert.Len(t, logger.Entries("error"), 1)
}
