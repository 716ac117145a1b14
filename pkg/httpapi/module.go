package httpapi

import (
	"vpnhub/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Module mounts the operational endpoints shared by every HTTP binary.
var Module = fx.Module("httpapi.ops",
	fx.Invoke(RegisterOpsEndpoints),
)

func RegisterOpsEndpoints(engine *gin.Engine, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
