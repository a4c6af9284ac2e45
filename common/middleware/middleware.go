// Package middleware carries the echo middleware shared by officeflow HTTP
// surfaces.
package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Logger is the minimal logging surface the middleware needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RequestLogger logs one line per request with method, path, status and
// latency. Health probes are skipped to keep the logs readable.
func RequestLogger(log Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/health" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			fields := []interface{}{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if status >= 500 {
				log.Error("http request", fields...)
			} else {
				log.Info("http request", fields...)
			}
			return nil
		}
	}
}
