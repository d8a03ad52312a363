package middleware

import "github.com/labstack/echo/v4"

// errorBody matches the envelope the plan handlers return so clients parse
// middleware rejections the same way.
func errorBody(kind, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    kind,
			"message": message,
		},
	}
}

func httpError(code int, kind, message string) *echo.HTTPError {
	return echo.NewHTTPError(code, errorBody(kind, message))
}
