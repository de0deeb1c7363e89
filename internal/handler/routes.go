package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onlinevpn/internal/config"
	"onlinevpn/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// routes take precedence over the catch-all proxy route.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, setup *SetupHandler, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/proxy", setup.Form)
	e.POST("/proxy", setup.Establish)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
