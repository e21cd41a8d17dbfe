package middleware

import (
	"time"

	applogger "FinCascade/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging logs every request at debug level and server errors at warn.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				applogger.Int("status", res.Status),
				applogger.Duration("latency", time.Since(start)),
			}
			if err != nil || res.Status >= 500 {
				if err != nil {
					fields = append(fields, applogger.Error(err))
				}
				l.Warn("http request failed", fields...)
				return err
			}
			l.Debug("http request", fields...)
			return nil
		}
	}
}
