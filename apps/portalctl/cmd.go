package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/storage/credstore"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

// backendClient is the backend API used by the commands.
type backendClient interface {
	session.AuthClient
	Me(ctx context.Context, token string) (user.User, error)
}

type commandLine struct {
	m          *session.Manager
	store      *session.Store
	client     backendClient
	files      *credstore.FileTier
	translator ut.Translator
	out        io.Writer
}

// newCommandLine wires a Manager over the credential file (persistent tier) and process memory (session tier).
func newCommandLine(conf *core.Config, client backendClient, files *credstore.FileTier, logger core.Logger, out io.Writer) *commandLine {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	store := session.NewStore(files, credstore.NewMemoryTier(), logger)
	router := session.NewRouter(conf.Routes)
	m := session.NewManager(
		store,
		session.NewRefresher(client, logger, conf.Session.PrivilegedEmails...),
		session.WithLogger(logger),
		session.WithValidator(validate),
		session.WithRouter(router),
		session.WithGate(session.NewGate(router, conf.Session.PublicPaths...)),
		session.WithNotifier(session.NotifierFunc(func(n session.Notice) {
			fmt.Fprintln(out, n)
		})),
	)
	return &commandLine{m: m, store: store, client: client, files: files, translator: translator, out: out}
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  login -email EMAIL [-remember=false] - log in; the password is prompted")
	fmt.Fprintln(cli.out, "  logout - discard the stored credential")
	fmt.Fprintln(cli.out, "  status [-remote] - show the current identity; -remote also asks the backend")
	fmt.Fprintln(cli.out, "  route [-path PATH] [-roles ROLE,ROLE] - show the landing route, or the access decision for PATH")
	fmt.Fprintln(cli.out, "  watch - print the identity every time the credential file changes")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	loginCmd := flag.NewFlagSet("login", flag.ContinueOnError)
	loginCmd.SetOutput(cli.out)
	loginEmail := loginCmd.String("email", "", "The user's email. The password will be prompted next.")
	loginRemember := loginCmd.Bool("remember", true, "Keep the credential after exit.")

	statusCmd := flag.NewFlagSet("status", flag.ContinueOnError)
	statusCmd.SetOutput(cli.out)
	statusRemote := statusCmd.Bool("remote", false, "Also show the user the backend associates with the credential.")

	routeCmd := flag.NewFlagSet("route", flag.ContinueOnError)
	routeCmd.SetOutput(cli.out)
	routePath := routeCmd.String("path", "", "The path to decide access for.")
	routeRoles := routeCmd.String("roles", "", "Comma separated roles allowed on PATH (any authenticated user if empty).")

	switch args[1] {
	case "login":
		if err := loginCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *loginEmail == "" {
			loginCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter password:")
		pwd, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			loginCmd.Usage()
			return errHelp
		}
		return cli.login(ctx, *loginEmail, string(pwd), *loginRemember)
	case "logout":
		return cli.logout()
	case "status":
		if err := statusCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		return cli.status(ctx, *statusRemote)
	case "route":
		if err := routeCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		return cli.route(ctx, *routePath, splitRoles(*routeRoles))
	case "watch":
		return cli.watch(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func splitRoles(s string) []string {
	var roles []string
	for _, role := range strings.Split(s, ",") {
		if role = core.CleanString(role); role != "" {
			roles = append(roles, strings.ToUpper(role))
		}
	}
	return roles
}
