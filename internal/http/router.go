package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/supplements-backend/internal/http/handlers"
	httpMW "github.com/yungbote/supplements-backend/internal/http/middleware"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	Metrics     *observability.Metrics
	ServiceName string
	CORSOrigins []string

	SupplementHandler *httpH.SupplementHandler
	ConfigHandler     *httpH.ConfigHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api/v1/assets/:asset_uid")
	{
		// Supplements
		if cfg.SupplementHandler != nil {
			api.PUT("/submissions/:root_uuid", cfg.SupplementHandler.PutSubmission)
			api.GET("/submissions/:root_uuid/supplement", cfg.SupplementHandler.GetSupplement)
			api.PATCH("/submissions/:root_uuid/supplement", cfg.SupplementHandler.PatchSupplement)
			api.GET("/submissions/:root_uuid/output", cfg.SupplementHandler.GetOutput)
			api.POST("/output", cfg.SupplementHandler.BulkOutput)
		}

		// Action configuration
		if cfg.ConfigHandler != nil {
			api.GET("/actions", cfg.ConfigHandler.ListActions)
			api.PUT("/actions", cfg.ConfigHandler.ReplaceActions)
			api.DELETE("/actions/:action_id", cfg.ConfigHandler.DeleteAction)
		}
	}

	return r
}
