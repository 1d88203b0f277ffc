package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/http/response"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/services"
)

type ConfigHandler struct {
	configs services.ConfigService
}

func NewConfigHandler(configs services.ConfigService) *ConfigHandler {
	return &ConfigHandler{configs: configs}
}

type actionConfigItem struct {
	QuestionXPath string          `json:"question_xpath" binding:"required"`
	ActionID      string          `json:"action_id" binding:"required"`
	Params        json.RawMessage `json:"params"`
}

type replaceConfigsRequest struct {
	Actions []actionConfigItem `json:"actions" binding:"dive"`
}

// GET /api/v1/assets/:asset_uid/actions
func (h *ConfigHandler) ListActions(c *gin.Context) {
	rows, err := h.configs.List(dbctx.Background(c.Request.Context()), c.Param("asset_uid"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"actions": rows})
}

// PUT /api/v1/assets/:asset_uid/actions
func (h *ConfigHandler) ReplaceActions(c *gin.Context) {
	var req replaceConfigsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rows := make([]*types.AssetActionConfig, 0, len(req.Actions))
	for _, a := range req.Actions {
		params := datatypes.JSON(a.Params)
		if len(params) == 0 {
			params = datatypes.JSON("{}")
		}
		rows = append(rows, &types.AssetActionConfig{
			QuestionXPath: a.QuestionXPath,
			ActionID:      a.ActionID,
			Params:        params,
		})
	}
	out, err := h.configs.Replace(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), rows)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"actions": out})
}

// DELETE /api/v1/assets/:asset_uid/actions/:action_id?question_xpath=...
func (h *ConfigHandler) DeleteAction(c *gin.Context) {
	xpath := c.Query("question_xpath")
	if xpath == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_question_xpath", nil)
		return
	}
	if err := h.configs.Delete(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), xpath, c.Param("action_id")); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
