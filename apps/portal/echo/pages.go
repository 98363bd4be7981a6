package echoportal

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
)

// page is the JSON placeholder rendered for each screen.
type page struct {
	Page   string      `json:"page"`
	User   *user.User  `json:"user,omitempty"`
	Role   string      `json:"role,omitempty"`
	Notice string      `json:"notice,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

type pageHandlers struct {
	opts    *Options
	cookies *cookieCodec
}

func (h *pageHandlers) render(ctx echo.Context, code int, name string, data ...interface{}) error {
	m := getManager(ctx)
	p := page{
		Page:   name,
		User:   m.User(),
		Role:   m.Resolve().Role,
		Notice: h.cookies.popFlash(ctx),
	}
	if len(data) > 0 {
		p.Data = data[0]
	}
	return ctx.JSON(code, p)
}

func (h *pageHandlers) home(ctx echo.Context) error {
	return h.render(ctx, http.StatusOK, "home")
}

func (h *pageHandlers) loginPage(ctx echo.Context) error {
	m := getManager(ctx)
	if m.Resolve().IsAuthenticated {
		return ctx.Redirect(http.StatusSeeOther, m.Route())
	}
	return h.render(ctx, http.StatusOK, "login")
}

func (h *pageHandlers) login(ctx echo.Context) error {
	var data user.LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}

	route, err := getManager(ctx).Login(ctx.Request().Context(), data.Email, data.Password, data.Remember)
	if err != nil {
		return err
	}
	return ctx.Redirect(http.StatusSeeOther, route)
}

func (h *pageHandlers) registerPage(ctx echo.Context) error {
	m := getManager(ctx)
	if m.Resolve().IsAuthenticated {
		return ctx.Redirect(http.StatusSeeOther, m.Route())
	}
	return h.render(ctx, http.StatusOK, "register", user.Roles)
}

type registerRequest struct {
	user.NewUser
	Remember bool `json:"remember" form:"remember"`
}

func (h *pageHandlers) register(ctx echo.Context) error {
	var data registerRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}

	route, err := getManager(ctx).Register(ctx.Request().Context(), data.NewUser, data.Remember)
	if err != nil {
		return err
	}
	return ctx.Redirect(http.StatusSeeOther, route)
}

func (h *pageHandlers) logout(ctx echo.Context) error {
	return ctx.Redirect(http.StatusSeeOther, getManager(ctx).Logout())
}

// redirect sends the user to the landing route of their role.
func (h *pageHandlers) redirect(ctx echo.Context) error {
	return ctx.Redirect(http.StatusSeeOther, getManager(ctx).Route())
}

func (h *pageHandlers) landing(name string) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		return h.render(ctx, http.StatusOK, name)
	}
}

// backendStatus probes the backend's admin endpoint with the session credential.
// A credential the backend rejects ends the session.
func (h *pageHandlers) backendStatus(ctx echo.Context) error {
	m := getManager(ctx)
	client := &http.Client{
		Timeout:   h.opts.Conf.Backend.Timeout,
		Transport: &session.Transport{Base: h.opts.Backend, Manager: m},
	}

	req, err := http.NewRequestWithContext(ctx.Request().Context(), http.MethodGet, h.opts.Conf.Backend.BaseURL+"/admin/ping", nil)
	if err != nil {
		return errors.Wrap(err, "building backend request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(session.ErrConnectivity, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var status map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return errors.Wrap(err, "decoding backend status")
		}
		return h.render(ctx, http.StatusOK, "backend", status)
	case http.StatusUnauthorized, http.StatusForbidden:
		return ctx.Redirect(http.StatusSeeOther, m.Router().LoginPath)
	default:
		return errors.Errorf("backend status: %d", resp.StatusCode)
	}
}
