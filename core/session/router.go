package session

import (
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

// Router maps an identity to its landing route.
type Router struct {
	LoginPath   string
	AdminPath   string
	StudentPath string
	TutorPath   string
	DefaultPath string
}

func NewRouter(conf core.RoutesConfig) Router {
	r := DefaultRouter()
	if conf.Login != "" {
		r.LoginPath = conf.Login
	}
	if conf.Admin != "" {
		r.AdminPath = conf.Admin
	}
	if conf.Student != "" {
		r.StudentPath = conf.Student
	}
	if conf.Tutor != "" {
		r.TutorPath = conf.Tutor
	}
	if conf.Default != "" {
		r.DefaultPath = conf.Default
	}
	return r
}

func DefaultRouter() Router {
	return Router{
		LoginPath:   "/login",
		AdminPath:   "/admin",
		StudentPath: "/student/dashboard",
		TutorPath:   "/tutor/profile",
		DefaultPath: "/",
	}
}

// Route returns the landing route of id. Unknown roles land on the neutral default.
func (r Router) Route(id Identity) string {
	if !id.IsAuthenticated {
		return r.LoginPath
	}
	switch id.Role {
	case user.RoleAdmin:
		return r.AdminPath
	case user.RoleStudent:
		return r.StudentPath
	case user.RoleTutor:
		return r.TutorPath
	default:
		return r.DefaultPath
	}
}
