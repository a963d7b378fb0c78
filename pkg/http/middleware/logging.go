package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"SaleOracle/pkg/logger"
)

// RequestLogging logs finished requests. 5xx responses are logged as errors,
// requests slower than slowThreshold as warnings.
func RequestLogging(log *logger.Logger, slowThreshold time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			latency := time.Since(start)
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("route", routeOf(c)),
				logger.String("uri", req.RequestURI),
				logger.Int("status", res.Status),
				logger.Duration("latency_ms", latency),
				logger.Int64("bytes", res.Size),
				logger.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
			}

			switch {
			case res.Status >= 500:
				log.Error("http request failed", fields...)
			case slowThreshold > 0 && latency >= slowThreshold:
				log.Warn("http request slow", fields...)
			default:
				log.Debug("http request", fields...)
			}

			return nil
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}
