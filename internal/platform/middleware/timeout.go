package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout bounds every request with a context deadline. The handler
// runs on the request goroutine, so the response is written exactly once.
// A handler that fails with context.DeadlineExceeded is answered with 504.
// The plan service lets a commit that already started finish, and that
// handler answers normally even if it ran past the deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout:      timeout,
		ErrorHandler: timeoutErrorHandler,
	})
}

func timeoutErrorHandler(err error, c echo.Context) error {
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if c.Response().Committed {
		return nil
	}
	return httpError(http.StatusGatewayTimeout, "timeout",
		"request processing exceeded the allowed time limit").SetInternal(err)
}
