package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
)

var (
	confirmFunc = confirm // mockable

	errHelp       = errors.New("help provided")
	errAborted    = errors.New("aborted")
	errNoTerminal = errors.New("confirmation needs an interactive terminal")
)

type commandLine struct {
	db         *sql.DB
	conf       *core.Config
	svc        principal.ServiceInterface
	validate   *validator.Validate
	translator ut.Translator
	resolver   *access.Resolver
	out        io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                                     - run a goose command: up, down, status, version...")
	fmt.Fprintln(cli.out, "  addprincipal -email EMAIL -name NAME -role ROLE [-profile CODE] [-group ID] - provision a principal")
	fmt.Fprintln(cli.out, "  setrole -email EMAIL -role ROLE                            - change a principal's role")
	fmt.Fprintln(cli.out, "  configure -email EMAIL [-profile CODE] [-group ID] [-apply-modules] - set a tenant's profile and group")
	fmt.Fprintln(cli.out, "  grant -email EMAIL -module SLUG                            - grant a module")
	fmt.Fprintln(cli.out, "  revoke -email EMAIL -module SLUG                           - revoke a module")
	fmt.Fprintln(cli.out, "  resolve -email EMAIL -path PATH                            - print the access decision for a path")
	fmt.Fprintln(cli.out, "  token -email EMAIL                                         - print a session token")
	fmt.Fprintln(cli.out, "  deleteprincipal -email EMAIL                               - delete a principal, after confirmation")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	addCmd := flag.NewFlagSet("addprincipal", flag.ExitOnError)
	addEmail := addCmd.String("email", "", "The principal's email.")
	addName := addCmd.String("name", "", "The principal's display name.")
	addRole := addCmd.String("role", "", "One of the role tags, see /v1/roles.")
	addProfile := addCmd.String("profile", "", "Profile code (tenant roles only).")
	addGroup := addCmd.String("group", "", "Tenant group ID (tenant roles only).")

	roleCmd := flag.NewFlagSet("setrole", flag.ExitOnError)
	roleEmail := roleCmd.String("email", "", "The principal's email.")
	roleRole := roleCmd.String("role", "", "The new role.")

	configureCmd := flag.NewFlagSet("configure", flag.ExitOnError)
	configureEmail := configureCmd.String("email", "", "The principal's email.")
	configureProfile := configureCmd.String("profile", "", "Profile code.")
	configureGroup := configureCmd.String("group", "", "Tenant group ID.")
	configureApply := configureCmd.Bool("apply-modules", false, "Also grant the modules of the profile.")

	grantCmd := flag.NewFlagSet("grant", flag.ExitOnError)
	grantEmail := grantCmd.String("email", "", "The principal's email.")
	grantModule := grantCmd.String("module", "", "Module slug.")

	revokeCmd := flag.NewFlagSet("revoke", flag.ExitOnError)
	revokeEmail := revokeCmd.String("email", "", "The principal's email.")
	revokeModule := revokeCmd.String("module", "", "Module slug.")

	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolveEmail := resolveCmd.String("email", "", "The principal's email.")
	resolvePath := resolveCmd.String("path", "/", "The location to resolve.")

	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)
	tokenEmail := tokenCmd.String("email", "", "The principal's email.")

	deleteCmd := flag.NewFlagSet("deleteprincipal", flag.ExitOnError)
	deleteEmail := deleteCmd.String("email", "", "The principal's email. Confirmation is prompted next.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "addprincipal":
		if err := addCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addEmail == "" || *addName == "" || *addRole == "" {
			addCmd.Usage()
			return errHelp
		}
		return cli.addPrincipal(ctx, principal.NewPrincipal{
			Name:          *addName,
			Email:         *addEmail,
			Role:          principal.Role(*addRole),
			ProfileCode:   *addProfile,
			TenantGroupID: *addGroup,
		})

	case "setrole":
		if err := roleCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *roleEmail == "" || *roleRole == "" {
			roleCmd.Usage()
			return errHelp
		}
		return cli.setRole(ctx, *roleEmail, *roleRole)

	case "configure":
		if err := configureCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *configureEmail == "" || (*configureProfile == "" && *configureGroup == "") {
			configureCmd.Usage()
			return errHelp
		}
		return cli.configure(ctx, *configureEmail, *configureProfile, *configureGroup, *configureApply)

	case "grant":
		if err := grantCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *grantEmail == "" || *grantModule == "" {
			grantCmd.Usage()
			return errHelp
		}
		return cli.grant(ctx, *grantEmail, *grantModule)

	case "revoke":
		if err := revokeCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *revokeEmail == "" || *revokeModule == "" {
			revokeCmd.Usage()
			return errHelp
		}
		return cli.revoke(ctx, *revokeEmail, *revokeModule)

	case "resolve":
		if err := resolveCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resolveEmail == "" {
			resolveCmd.Usage()
			return errHelp
		}
		return cli.resolve(ctx, *resolveEmail, *resolvePath)

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenEmail == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(ctx, *tokenEmail)

	case "deleteprincipal":
		if err := deleteCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *deleteEmail == "" {
			deleteCmd.Usage()
			return errHelp
		}
		return cli.deletePrincipal(ctx, *deleteEmail)

	default:
		cli.printUsage()
		return errHelp
	}
}

// confirm asks a yes/no question on the controlling terminal.
func confirm(question string) (bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false, errNoTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return false, err
	}
	defer func() { _ = term.Restore(fd, state) }()

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, question+" [yes/no]: ")
	answer, err := t.ReadLine()
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}
