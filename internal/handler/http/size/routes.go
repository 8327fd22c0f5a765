package size

import "github.com/labstack/echo/v4"

// SetupRoutes registers the size-estimate route with the Echo instance.
func (h *Handler) SetupRoutes(e *echo.Echo) {
	e.POST("/api/v1/size", h.HandleSize)
}
