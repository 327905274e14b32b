package stream

import (
	echo "github.com/labstack/echo/v5"
)

// responseHeaders are set on every HTTP response the streaming server
// produces, the WebSocket upgrade included.
var responseHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
}

func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			for _, kv := range responseHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
