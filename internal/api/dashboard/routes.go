package dashboard

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers dashboard routes
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.GET("", handler.GetDashboard)
	g.POST("/versions", handler.BackfillVersions)
	g.POST("/stats", handler.BackfillStats)
}
