package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/user"
)

type userApi struct {
	svc  *user.Service
	opts *Options
}

func registerUserAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := userApi{svc: opts.UserSvc, opts: opts}

	ag := g.Group("", jwt, roleMiddleware(user.RoleAdmin))
	ag.GET("/roles", api.queryRoles)
	ag.PUT("/:id/role", api.setRole)
	ag.PUT("/:id/active", api.setActive)
}

func (api *userApi) queryRoles(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, user.Roles)
}

// setRole changes a user's role. Tokens already issued to that user keep their role claim until refreshed.
func (api *userApi) setRole(ctx echo.Context) error {
	var data user.UpdateRole
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateRole")
	}
	if err := data.Validate(api.opts.Validate); err != nil {
		return err
	}

	usr, err := api.svc.SetRole(ctx.Request().Context(), ctx.Param("id"), data.Role)
	if err != nil {
		return errors.Wrap(err, "setting role")
	}
	api.opts.Logger.Info("role changed", map[string]interface{}{"user_id": usr.ID, "role": usr.Role})
	return ctx.JSON(http.StatusOK, usr)
}

type activeRequest struct {
	IsActive bool `json:"is_active"`
}

func (api *userApi) setActive(ctx echo.Context) error {
	var data activeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to activeRequest")
	}

	usr, err := api.svc.SetActive(ctx.Request().Context(), ctx.Param("id"), data.IsActive)
	if err != nil {
		return errors.Wrap(err, "setting active")
	}
	return ctx.JSON(http.StatusOK, usr)
}
