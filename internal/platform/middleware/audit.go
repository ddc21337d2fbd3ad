package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Audit logs every mutating request against a bed: who saved or cleared
// which bed, from where, and how it ended. Handlers name the nurse under the
// "actor" context key and the bed's team under "team". Reads are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isBedMutation(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)

			evt := logger.Info()
			if status >= 400 {
				evt = logger.Warn()
			}
			if actor, ok := c.Get("actor").(string); ok {
				evt = evt.Str("actor", actor)
			}
			if team, ok := c.Get("team").(int); ok {
				evt = evt.Int("team", team)
			}
			evt.
				Str("type", "ward_audit").
				Str("request_id", rid).
				Str("action", actionFor(req.Method)).
				Str("bed", c.Param("bed")).
				Int("status", status).
				Str("remote_ip", c.RealIP()).
				Str("user_agent", req.UserAgent()).
				Msg("bed_mutation")

			return err
		}
	}
}

func isBedMutation(method, path string) bool {
	if method != http.MethodPost && method != http.MethodDelete {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/beds/")
}

func actionFor(method string) string {
	if method == http.MethodDelete {
		return "clear"
	}
	return "save"
}
