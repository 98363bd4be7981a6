package user

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/masomo/core"
)

// Roles
const (
	RoleAdmin   = "ADMIN"   // -> ADMIN PORTAL
	RoleTutor   = "TUTOR"   // -> TUTOR PROFILE
	RoleStudent = "STUDENT" // -> STUDENT DASHBOARD
)

var (
	AllRoles = []string{RoleAdmin, RoleTutor, RoleStudent}

	rolePriorities = map[string]int{
		// Admins: 30 - 21
		RoleAdmin: 30,

		// Tutors: 20 - 11
		RoleTutor: 11,

		// Students: 10 - 1
		RoleStudent: 1,
	}

	Roles = []Role{
		{Name: "Student", Value: RoleStudent},
		{Name: "Tutor", Value: RoleTutor},
		{Name: "Admin", Value: RoleAdmin},
	}
)

// RolePriority returns the priority of role; unknown roles have none (0).
func RolePriority(role string) int {
	return rolePriorities[role]
}

// MaxRole returns the role with the highest priority ("" if none is known).
func MaxRole(roles []string) string {
	var max string
	for _, role := range roles {
		if RolePriority(role) > RolePriority(max) {
			max = role
		}
	}
	return max
}

// IsElevated reports whether role is strictly more privileged than other.
func IsElevated(role, other string) bool {
	return RolePriority(role) > RolePriority(other)
}

type Role struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// User is the user record returned by the backend on login, registration & token refresh.
// Clients cache it next to the bearer token.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Role         string    `json:"role"`
	Username     string    `json:"username,omitempty"`
	IsActive     bool      `json:"is_active"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) FullName() string {
	return core.CleanString(u.FirstName + " " + u.LastName)
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) IsTutor() bool {
	return u.Role == RoleTutor
}

func (u *User) IsStudent() bool {
	return u.Role == RoleStudent
}

// NewUser contains information needed to register a new User.
type NewUser struct {
	Email           string `json:"email" form:"email" validate:"required,email"`
	FirstName       string `json:"first_name" form:"first_name" validate:"required"`
	LastName        string `json:"last_name" form:"last_name"`
	Username        string `json:"username" form:"username" validate:"omitempty,min=6,alphanum_"`
	Password        string `json:"password" form:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" form:"password_confirm" validate:"required,eqfield=Password"`
	Role            string `json:"role" form:"role" validate:"omitempty,selfrole"`
}

func (nu *NewUser) Clean() {
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	if nu.Role == "" {
		nu.Role = RoleStudent
	}
}

func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.Clean()
	return validate.Struct(nu)
}

// LoginRequest holds the credentials submitted on the login screen.
type LoginRequest struct {
	Email    string `json:"email" form:"email" validate:"required,email"`
	Password string `json:"password" form:"password" validate:"required"`
	Remember bool   `json:"remember" form:"remember"`
}

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}

// UpdateRole defines the payload used by admins to change a User's role.
type UpdateRole struct {
	Role string `json:"role" validate:"required,role"`
}

func (ur *UpdateRole) Validate(validate *validator.Validate) error {
	ur.Role = core.CleanString(ur.Role)
	return validate.Struct(ur)
}
