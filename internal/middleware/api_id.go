package middleware

import (
	"github.com/labstack/echo/v4"
)

// InstanceHeader identifies the serving instance when several run behind one address
const InstanceHeader = "X-Fleet-Instance-ID"

// InstanceIDMiddleware adds the instance ID header to all responses
func InstanceIDMiddleware(instanceID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(InstanceHeader, instanceID)
			return next(c)
		}
	}
}
