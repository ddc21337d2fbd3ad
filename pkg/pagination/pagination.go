package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Limit extracts the page size from the limit or _count query parameter. A
// missing or non-positive value yields def, and anything above max is capped.
func Limit(c echo.Context, def, max int) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("_count"))
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
