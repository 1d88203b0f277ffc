package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/revise"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/platform/apierr"
)

// Classify maps a service error to an HTTP status and error code.
func Classify(err error) (int, string) {
	var ae *apierr.Error
	var sv *schema.SchemaViolation
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &ae):
		return ae.Status, ae.Code
	case errors.As(err, &sv):
		return http.StatusBadRequest, "schema_violation"
	case errors.Is(err, actions.ErrInvalidQuestion):
		return http.StatusBadRequest, "invalid_question"
	case errors.Is(err, actions.ErrInvalidAction):
		return http.StatusBadRequest, "invalid_action"
	case errors.Is(err, actions.ErrInvalidParams):
		return http.StatusBadRequest, "invalid_params"
	case errors.Is(err, revise.ErrDependencyNotFound):
		return http.StatusConflict, "dependency_not_found"
	case errors.Is(err, actions.ErrNothingToAccept):
		return http.StatusConflict, "nothing_to_accept"
	case errors.Is(err, actions.ErrNothingToVerify):
		return http.StatusConflict, "nothing_to_verify"
	case errors.Is(err, actions.ErrStillRunning):
		return http.StatusAccepted, "in_progress"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RespondServiceError writes err with its classified status. Internal
// errors are not echoed to the client.
func RespondServiceError(c *gin.Context, err error) {
	status, code := Classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		RespondError(c, status, code, errors.New("internal error"))
		return
	}
	RespondError(c, status, code, err)
}
