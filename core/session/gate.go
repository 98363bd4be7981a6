package session

import (
	"strings"

	"github.com/trezcool/masomo/core"
)

// State of an access decision.
type State int

const (
	StateLoading State = iota
	StateDenied
	StateWrongRole
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateDenied:
		return "denied"
	case StateWrongRole:
		return "wrong_role"
	default:
		return "authorized"
	}
}

// Rule restricts a route to some roles. An empty AllowedRoles only requires authentication.
type Rule struct {
	AllowedRoles []string
	// Fallback is where users holding another role are sent ("" = the router's default)
	Fallback string
}

func AllowRoles(roles ...string) Rule {
	return Rule{AllowedRoles: roles}
}

type Decision struct {
	State    State
	Redirect string // "" = render
}

// Gate decides whether a route may be rendered.
type Gate struct {
	LoginPath   string
	PublicPaths []string
	DefaultPath string
}

func NewGate(router Router, publicPaths ...string) Gate {
	return Gate{
		LoginPath:   router.LoginPath,
		PublicPaths: publicPaths,
		DefaultPath: router.DefaultPath,
	}
}

// IsPublic reports whether path can be rendered without authentication.
func (g Gate) IsPublic(path string) bool {
	path = normalizePath(path)
	if path == normalizePath(g.LoginPath) {
		return true
	}
	for _, public := range g.PublicPaths {
		if path == normalizePath(public) {
			return true
		}
	}
	return false
}

// Decide evaluates, in order: bootstrap pending, authentication, role.
func (g Gate) Decide(loading bool, path string, id Identity, rule Rule) Decision {
	if loading {
		return Decision{State: StateLoading}
	}

	if !id.IsAuthenticated {
		if g.IsPublic(path) {
			return Decision{State: StateAuthorized}
		}
		return Decision{State: StateDenied, Redirect: g.LoginPath}
	}

	if len(rule.AllowedRoles) > 0 && !core.StringInSlice(id.Role, rule.AllowedRoles) {
		fallback := rule.Fallback
		if fallback == "" {
			fallback = g.DefaultPath
		}
		return Decision{State: StateWrongRole, Redirect: fallback}
	}
	return Decision{State: StateAuthorized}
}

func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
