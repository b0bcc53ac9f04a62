package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/storage/database/inmem"
	"github.com/trezcool/masomo-gate/tests"
)

var repo principal.Repository

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	db, err := inmemdb.Open()
	require.NoError(t, err)
	repo = inmemdb.NewPrincipalRepository(db)

	conf := &core.Config{AppName: "Masomo", SecretKey: "secret", Paths: access.DefaultPaths()}
	logger := testutil.NewLogger()

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	principal.InitValidators(validate, translator)

	out := new(bytes.Buffer)
	return &commandLine{
		conf:       conf,
		svc:        principal.NewService(repo, nil, nil, logger, conf),
		validate:   validate,
		translator: translator,
		resolver:   access.NewResolver(conf.Paths, logger),
		out:        out,
	}, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    string
	extra      interface{}
}

func (tt cliTest) check(t *testing.T, err error, out *bytes.Buffer) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		assert.Equal(t, tt.wantErr, errors.Cause(err))
	case tt.wantErrStr != "":
		if assert.Error(t, err) {
			assert.Contains(t, err.Error(), tt.wantErrStr)
		}
	default:
		assert.NoError(t, err)
	}
	if tt.wantOut != "" {
		assert.Contains(t, out.String(), tt.wantOut)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, out := setup(t)

	gooseRunFunc = func(_ context.Context, db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args), out)
		})
	}
}

func Test_commandLine_addPrincipal(t *testing.T) {
	cli, out := setup(t)
	testutil.CreatePrincipal(t, repo, "Taken", "taken@test.cd", principal.RoleTeacher, "", "")

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"addprincipal"}, wantErr: errHelp},
		{name: "no role", args: []string{"addprincipal", "-email", "a@test.cd", "-name", "A"}, wantErr: errHelp},
		{name: "email taken", args: []string{"addprincipal", "-email", "Taken@test.cd", "-name", "A", "-role", "parent"}, wantErrStr: "email"},
		{name: "unknown role", args: []string{"addprincipal", "-email", "a@test.cd", "-name", "A", "-role", "wizard"}, wantErrStr: "role: invalid role"},
		{name: "admin with a group", args: []string{"addprincipal", "-email", "a@test.cd", "-name", "A", "-role", "super_admin", "-group", "g1"}, wantErrStr: "tenant_group_id: administrative roles cannot belong to a group"},
		{name: "tenant", args: []string{"addprincipal", "-email", "Prof@Test.cd", "-name", "Prof", "-role", "professeur", "-group", "g1"}, wantOut: "created prof@test.cd (enseignant)"},
		{name: "admin", args: []string{"addprincipal", "-email", "root@test.cd", "-name", "Root", "-role", "superadmin"}, wantOut: "created root@test.cd (super_admin)"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args), out)
		})
	}

	p, err := repo.GetPrincipalByEmail(context.Background(), "prof@test.cd")
	require.NoError(t, err)
	assert.Equal(t, principal.IssueNoProfile, p.ConfigurationIssue())
}

func Test_commandLine_update(t *testing.T) {
	cli, out := setup(t)
	ctx := context.Background()
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	tests := []cliTest{
		{name: "setrole: no args", args: []string{"setrole", "-email", "teacher@test.cd"}, wantErr: errHelp},
		{name: "setrole: not found", args: []string{"setrole", "-email", "lol@test.cd", "-role", "parent"}, wantErr: principal.ErrNotFound},
		{name: "setrole", args: []string{"setrole", "-email", "teacher@test.cd", "-role", "directrice"}, wantOut: "teacher@test.cd is now directeur"},
		{name: "configure: nothing to set", args: []string{"configure", "-email", "teacher@test.cd"}, wantErr: errHelp},
		{name: "configure", args: []string{"configure", "-email", "teacher@test.cd", "-profile", "direction_complete", "-apply-modules"}, wantOut: "issue=none"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args), out)
		})
	}

	p, err := repo.GetPrincipalByID(ctx, teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, principal.RoleDirector, p.Role)
	assert.True(t, p.IsConfigured())

	modules, err := cli.svc.Modules(ctx, teacher.ID)
	require.NoError(t, err)
	assert.Len(t, modules, len(principal.Modules))
}

func Test_commandLine_grants(t *testing.T) {
	cli, out := setup(t)
	ctx := context.Background()
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")
	testutil.CreatePrincipal(t, repo, "Root", "root@test.cd", principal.RoleSuperAdmin, "", "")

	tests := []cliTest{
		{name: "grant: no module", args: []string{"grant", "-email", "teacher@test.cd"}, wantErr: errHelp},
		{name: "grant: unknown module", args: []string{"grant", "-email", "teacher@test.cd", "-module", "astrology"}, wantErrStr: principal.ErrUnknownModule.Error()},
		{name: "grant: admin", args: []string{"grant", "-email", "root@test.cd", "-module", "grades"}, wantErrStr: principal.ErrGrantForbidden.Error()},
		{name: "grant", args: []string{"grant", "-email", "teacher@test.cd", "-module", "Grades"}, wantOut: "granted grades to teacher@test.cd"},
		{name: "grant again", args: []string{"grant", "-email", "teacher@test.cd", "-module", "grades"}, wantOut: "granted grades"},
		{name: "grant another", args: []string{"grant", "-email", "teacher@test.cd", "-module", "library"}},
		{name: "revoke", args: []string{"revoke", "-email", "teacher@test.cd", "-module", "library"}, wantOut: "revoked library from teacher@test.cd"},
		{name: "revoke missing grant", args: []string{"revoke", "-email", "teacher@test.cd", "-module", "finances"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args), out)
		})
	}

	modules, err := cli.svc.Modules(ctx, teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{principal.ModuleGrades}, modules)
}

func Test_commandLine_resolve(t *testing.T) {
	cli, out := setup(t)
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")
	testutil.GrantModules(t, repo, teacher.ID, principal.ModuleClasses)
	testutil.CreatePrincipal(t, repo, "New", "new@test.cd", principal.RoleParent, "", "")
	testutil.CreatePrincipal(t, repo, "Root", "root@test.cd", principal.RoleSuperAdmin, "", "")

	tests := []cliTest{
		{name: "no email", args: []string{"resolve"}, wantErr: errHelp},
		{name: "tenant on admin area", args: []string{"resolve", "-email", "teacher@test.cd", "-path", "/admin/principals"}, wantOut: "decision:  redirect -> /tenant/dashboard"},
		{name: "tenant on tenant area", args: []string{"resolve", "-email", "teacher@test.cd", "-path", "/tenant/modules/classes"}, wantOut: "decision:  allow"},
		{name: "tenant modules", args: []string{"resolve", "-email", "teacher@test.cd"}, wantOut: "modules:   classes"},
		{name: "pending", args: []string{"resolve", "-email", "new@test.cd", "-path", "/tenant/dashboard"}, wantOut: "decision:  interstitial -> /pending-configuration"},
		{name: "pending state", args: []string{"resolve", "-email", "new@test.cd"}, wantOut: "state:     tenant_pending"},
		{name: "super admin on tenant area", args: []string{"resolve", "-email", "root@test.cd", "-path", "/tenant"}, wantOut: "decision:  redirect -> /admin"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args), out)
		})
	}
}

func Test_commandLine_token(t *testing.T) {
	cli, out := setup(t)
	testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "")

	require.Equal(t, errHelp, cli.run([]string{"admin", "token"}))
	require.NoError(t, cli.run([]string{"admin", "token", "-email", "teacher@test.cd"}))
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "."), 3)
}

func Test_commandLine_deletePrincipal(t *testing.T) {
	cli, out := setup(t)
	teacher := testutil.CreatePrincipal(t, repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "")

	type extra struct {
		confirmed bool
	}
	tests := []cliTest{
		{name: "no email", args: []string{"deleteprincipal"}, wantErr: errHelp},
		{name: "not found", args: []string{"deleteprincipal", "-email", "lol@test.cd"}, wantErr: principal.ErrNotFound},
		{name: "not confirmed", args: []string{"deleteprincipal", "-email", "teacher@test.cd"}, wantErr: errAborted},
		{name: "confirmed", args: []string{"deleteprincipal", "-email", "teacher@test.cd"}, extra: extra{confirmed: true}, wantOut: "deleted teacher@test.cd"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		confirmFunc = func(question string) (bool, error) {
			if extra, ok := tt.extra.(extra); ok {
				return extra.confirmed, nil
			}
			return false, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args), out)
		})
	}

	_, err := repo.GetPrincipalByID(context.Background(), teacher.ID)
	assert.Equal(t, principal.ErrNotFound, errors.Cause(err))
}
