package middleware

import "github.com/labstack/echo/v4"

// failure writes the {success:false, error} envelope the bed endpoints use.
func failure(c echo.Context, status int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
