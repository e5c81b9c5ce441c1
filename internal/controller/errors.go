package controller

import (
	"classroom_qa_backend/internal/service"
	"classroom_qa_backend/internal/util"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

func actorFrom(ctx *gin.Context) (service.Actor, bool) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		return service.Actor{}, false
	}
	return service.Actor{UserID: claims.UserID, Role: claims.Role}, true
}

// respondError 业务错误到 HTTP 状态码的映射
func respondError(ctx *gin.Context, err error) {
	switch {
	case util.IsValidationError(err):
		util.BadRequest(ctx, err.Error())
	case errors.Is(err, util.ErrInvalidArgument):
		util.BadRequest(ctx, err.Error())
	case errors.Is(err, util.ErrSessionNotFound),
		errors.Is(err, util.ErrQuestionNotFound),
		errors.Is(err, util.ErrInvalidJoinCode):
		util.Error(ctx, http.StatusNotFound, err.Error())
	case errors.Is(err, util.ErrNotSessionMember),
		errors.Is(err, util.ErrNotAuthorized),
		errors.Is(err, util.ErrPermissionDenied):
		util.Error(ctx, http.StatusForbidden, err.Error())
	case errors.Is(err, util.ErrSessionEnded):
		util.Error(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, util.ErrRateLimited):
		util.Error(ctx, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, util.ErrTryAgain), errors.Is(err, util.ErrIdentityUnavailable):
		util.Error(ctx, http.StatusServiceUnavailable, util.ErrTryAgain.Error())
	default:
		util.LogInternalError(ctx, err)
	}
}
