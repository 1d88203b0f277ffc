package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/data/repos"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
)

type HealthHandler struct {
	db    *gorm.DB
	tasks repos.TaskRunRepo
}

func NewHealthHandler(db *gorm.DB, tasks repos.TaskRunRepo) *HealthHandler {
	return &HealthHandler{db: db, tasks: tasks}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /readyz reports database reachability and the poll queue depth.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
			return
		}
	}
	body := gin.H{"status": "ok"}
	if h.tasks != nil {
		if counts, err := h.tasks.CountByStatus(dbctx.Background(ctx)); err == nil {
			body["tasks"] = counts
		}
	}
	c.JSON(http.StatusOK, body)
}
