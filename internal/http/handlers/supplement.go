package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/http/response"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/services"
)

const maxPatchBytes = 1 << 20

type SupplementHandler struct {
	supplements services.SupplementService
	submissions services.SubmissionService
}

func NewSupplementHandler(supplements services.SupplementService, submissions services.SubmissionService) *SupplementHandler {
	return &SupplementHandler{supplements: supplements, submissions: submissions}
}

// GET /api/v1/assets/:asset_uid/submissions/:root_uuid/supplement
func (h *SupplementHandler) GetSupplement(c *gin.Context) {
	supp, err := h.supplements.Get(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), c.Param("root_uuid"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"supplement": supp})
}

// PATCH /api/v1/assets/:asset_uid/submissions/:root_uuid/supplement
//
// Responds 202 when every addressed instance is still waiting on external
// work and nothing was stored.
func (h *SupplementHandler) PatchSupplement(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPatchBytes))
	if err != nil {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "body_too_large", err)
		return
	}
	if !json.Valid(raw) {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", errors.New("request body is not valid JSON"))
		return
	}
	res, err := h.supplements.Patch(c.Request.Context(), c.Param("asset_uid"), c.Param("root_uuid"), raw)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	if !res.Changed() {
		response.RespondAccepted(c, gin.H{"status": types.StatusInProgress, "pending": res.Pending})
		return
	}
	response.RespondOK(c, gin.H{"supplement": res.Supplement, "pending": res.Pending})
}

// GET /api/v1/assets/:asset_uid/submissions/:root_uuid/output
func (h *SupplementHandler) GetOutput(c *gin.Context) {
	out, err := h.supplements.Output(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), c.Param("root_uuid"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"output": out})
}

type bulkOutputRequest struct {
	SubmissionRootUUIDs []string `json:"submission_root_uuids" binding:"required,min=1,max=1000,dive,required"`
}

// POST /api/v1/assets/:asset_uid/output
func (h *SupplementHandler) BulkOutput(c *gin.Context) {
	var req bulkOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	out, err := h.supplements.OutputMany(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), req.SubmissionRootUUIDs)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"outputs": out})
}

type submissionRequest struct {
	UUID        string             `json:"uuid"`
	Attachments []types.Attachment `json:"attachments" binding:"dive"`
}

// PUT /api/v1/assets/:asset_uid/submissions/:root_uuid
func (h *SupplementHandler) PutSubmission(c *gin.Context) {
	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	snap, err := h.submissions.Put(dbctx.Background(c.Request.Context()), c.Param("asset_uid"), types.Submission{
		UUID:        req.UUID,
		RootUUID:    c.Param("root_uuid"),
		Attachments: req.Attachments,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"submission": snap.Submission()})
}
