package ratelimit

import (
	"strconv"

	"github.com/labstack/echo/v4"

	httpx "IntelliDetect/pkg/http"
)

// KeyFunc extracts the bucket key for a request.
type KeyFunc func(c echo.Context) string

// ByRealIP keys requests on the client address.
func ByRealIP(c echo.Context) string {
	return c.RealIP()
}

// Middleware rejects requests with 429 once the key's bucket is empty.
func Middleware(l *Limiter, key KeyFunc) echo.MiddlewareFunc {
	if key == nil {
		key = ByRealIP
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l.Allow(key(c)) {
				return next(c)
			}
			if l.refill > 0 {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(1/l.refill)+1))
			}
			return httpx.AppErrorResponse(c, httpx.TooManyRequestsError("rate limit exceeded"))
		}
	}
}
