package main

import (
	"context"
	"fmt"
	"strings"

	echoapi "github.com/trezcool/masomo-gate/apps/api/echo"
	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
)

// cliActor is who the CLI acts as: it may assign any role.
var cliActor = principal.Principal{ID: "cli", Name: "admin CLI", Role: principal.RoleSuperAdmin}

func (cli *commandLine) getPrincipal(ctx context.Context, email string) (principal.Principal, error) {
	return cli.svc.GetByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (cli *commandLine) addPrincipal(ctx context.Context, np principal.NewPrincipal) error {
	if err := np.Validate(ctx, cli.validate, cli.svc); err != nil {
		return core.TranslateValidationErrors(err, cli.translator)
	}
	p, err := cli.svc.Create(ctx, np)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "created %s (%s): %s\n", p.Email, p.Role, p.ID)
	return nil
}

func (cli *commandLine) update(ctx context.Context, email string, up principal.UpdatePrincipal) (principal.Principal, error) {
	orig, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return principal.Principal{}, err
	}
	if err = up.Validate(ctx, orig, cli.validate, cli.svc); err != nil {
		return principal.Principal{}, core.TranslateValidationErrors(err, cli.translator)
	}
	return cli.svc.Update(ctx, orig, up, cliActor)
}

func (cli *commandLine) setRole(ctx context.Context, email, role string) error {
	r := principal.Role(role)
	p, err := cli.update(ctx, email, principal.UpdatePrincipal{Role: &r})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s is now %s\n", p.Email, p.Role)
	return nil
}

// configure sets the profile and/or group of a tenant principal. Empty values are left untouched.
func (cli *commandLine) configure(ctx context.Context, email, profile, group string, applyModules bool) error {
	up := principal.UpdatePrincipal{ApplyProfileModules: applyModules}
	if profile != "" {
		up.ProfileCode = &profile
	}
	if group != "" {
		up.TenantGroupID = &group
	}
	p, err := cli.update(ctx, email, up)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s: profile=%q group=%q issue=%s\n", p.Email, p.ProfileCode, p.TenantGroupID, p.ConfigurationIssue())
	return nil
}

func (cli *commandLine) grant(ctx context.Context, email, module string) error {
	p, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return err
	}
	g, err := cli.svc.Grant(ctx, p.ID, module)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "granted %s to %s\n", g.Module, p.Email)
	return nil
}

func (cli *commandLine) revoke(ctx context.Context, email, module string) error {
	p, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return err
	}
	if err = cli.svc.Revoke(ctx, p.ID, module); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "revoked %s from %s\n", module, p.Email)
	return nil
}

// resolve prints what the route guard would do with the principal at location.
func (cli *commandLine) resolve(ctx context.Context, email, location string) error {
	p, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return err
	}
	modules, err := cli.svc.Modules(ctx, p.ID)
	if err != nil {
		return err
	}

	sess := access.Authenticated(p)
	d := cli.resolver.Resolve(sess, location)
	decision := string(d.Kind)
	if d.Target != "" {
		decision += " -> " + d.Target
	}

	fmt.Fprintf(cli.out, "principal: %s (%s)\n", p.Email, p.Role)
	fmt.Fprintf(cli.out, "state:     %s\n", cli.resolver.State(sess))
	fmt.Fprintf(cli.out, "issue:     %s\n", p.ConfigurationIssue())
	fmt.Fprintf(cli.out, "modules:   %s\n", strings.Join(modules, ", "))
	fmt.Fprintf(cli.out, "decision:  %s\n", decision)
	return nil
}

func (cli *commandLine) token(ctx context.Context, email string) error {
	p, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return err
	}
	token, err := echoapi.GenerateToken(echoapi.NewClaims(p, cli.conf), cli.conf.SecretKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}

func (cli *commandLine) deletePrincipal(ctx context.Context, email string) error {
	p, err := cli.getPrincipal(ctx, email)
	if err != nil {
		return err
	}
	ok, err := confirmFunc(fmt.Sprintf("Delete %s and all of its module grants?", p.Email))
	if err != nil {
		return err
	}
	if !ok {
		return errAborted
	}
	if _, err = cli.svc.Delete(ctx, p.ID); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "deleted %s\n", p.Email)
	return nil
}
