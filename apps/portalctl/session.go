package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
)

func (cli *commandLine) login(ctx context.Context, email, pwd string, remember bool) error {
	route, err := cli.m.Login(ctx, email, pwd, remember)
	if err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return cli.invalid(verrs)
		}
		return err
	}
	fmt.Fprintf(cli.out, "logged in as %s (%s)\nlanding route: %s\n", cli.m.User().Email, cli.m.Resolve().Role, route)
	return nil
}

// invalid turns validation errors into a readable "field: message" list.
func (cli *commandLine) invalid(verrs validator.ValidationErrors) error {
	fldErrs := core.TranslateErrors(verrs, cli.translator)
	msgs := make([]string, 0, len(fldErrs))
	for fld, msg := range fldErrs {
		msgs = append(msgs, fld+": "+msg)
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid input: %s", strings.Join(msgs, "; "))
}

func (cli *commandLine) logout() error {
	route := cli.m.Logout()
	fmt.Fprintf(cli.out, "logged out\nlanding route: %s\n", route)
	return nil
}

// bootstrap loads the stored credential. A failed bootstrap has already ended the session.
func (cli *commandLine) bootstrap(ctx context.Context) {
	if outcome, err := cli.m.Bootstrap(ctx); outcome == session.OutcomeRefreshed {
		fmt.Fprintln(cli.out, "credential refreshed")
	} else if err != nil {
		fmt.Fprintf(cli.out, "credential discarded: %v\n", err)
	}
}

func (cli *commandLine) status(ctx context.Context, remote bool) error {
	cli.bootstrap(ctx)
	cli.printIdentity()
	if remote {
		return cli.remoteStatus(ctx)
	}
	return nil
}

// remoteStatus prints the backend's record of the credential's user. A rejected credential ends the session.
func (cli *commandLine) remoteStatus(ctx context.Context) error {
	token := cli.store.Read().Token
	if token == "" {
		return nil
	}

	usr, err := cli.client.Me(ctx, token)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		fmt.Fprintf(cli.out, "credential rejected by the backend\nlanding route: %s\n", cli.m.Deny(http.StatusUnauthorized))
		return nil
	case errors.Is(err, session.ErrForbidden):
		fmt.Fprintf(cli.out, "credential rejected by the backend\nlanding route: %s\n", cli.m.Deny(http.StatusForbidden))
		return nil
	case err != nil:
		return err
	}

	fmt.Fprintf(cli.out, "backend: %s (%s)\n", usr.Email, usr.Role)
	if role := cli.m.Resolve().Role; role != usr.Role {
		fmt.Fprintln(cli.out, "role changed on the backend: log in again to use it")
	}
	return nil
}

func (cli *commandLine) printIdentity() {
	id := cli.m.Resolve()
	if !id.IsAuthenticated {
		fmt.Fprintln(cli.out, "not logged in")
		return
	}
	role := id.Role
	if role == "" {
		role = "unknown"
	}
	var email string
	if usr := cli.m.User(); usr != nil {
		email = usr.Email
	}
	fmt.Fprintf(cli.out, "logged in as %s\nrole: %s\nlanding route: %s\n", email, role, cli.m.Route())
}

func (cli *commandLine) route(ctx context.Context, path string, roles []string) error {
	cli.bootstrap(ctx)
	if path == "" {
		fmt.Fprintln(cli.out, cli.m.Route())
		return nil
	}

	decision := cli.m.Guard(path, session.AllowRoles(roles...))
	if decision.Redirect != "" {
		fmt.Fprintf(cli.out, "%s -> %s\n", decision.State, decision.Redirect)
	} else {
		fmt.Fprintln(cli.out, decision.State)
	}
	return nil
}

type notifyingWatcher struct {
	session.Watcher
	after func()
}

func (w notifyingWatcher) Watch(ctx context.Context, onChange func()) error {
	return w.Watcher.Watch(ctx, func() {
		onChange()
		w.after()
	})
}

// watch follows the credential file written by other processes until ctx is done.
func (cli *commandLine) watch(ctx context.Context) error {
	cli.bootstrap(ctx)
	cli.printIdentity()
	fmt.Fprintf(cli.out, "watching %s\n", cli.files.Path())

	return cli.m.Watch(ctx, notifyingWatcher{Watcher: cli.files, after: func() {
		fmt.Fprintln(cli.out, "credential changed")
		cli.printIdentity()
	}})
}
