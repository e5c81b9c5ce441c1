package controller

import (
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/service"
	"classroom_qa_backend/internal/util"
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type QuestionController struct {
	IntakeService     *service.IntakeService
	ResolutionService *service.ResolutionService
	SessionService    *service.SessionService
}

func NewQuestionController(intake *service.IntakeService, resolution *service.ResolutionService, sessions *service.SessionService) *QuestionController {
	return &QuestionController{
		IntakeService:     intake,
		ResolutionService: resolution,
		SessionService:    sessions,
	}
}

type SubmitQuestionRequest struct {
	Text      string `json:"text"`
	Anonymous bool   `json:"anonymous"`
}

// SubmitQuestion godoc
// @Summary 提交问题
// @Description 校验、相关性评估后保存问题；相关性不足时返回 422 与修改建议，不保存
// @Tags 问题
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param body body SubmitQuestionRequest true "问题内容"
// @Success 201 {object} util.Response{data=model.QuestionView} "已接收"
// @Failure 400 {object} util.Response "内容校验失败"
// @Failure 403 {object} util.Response "非会话成员"
// @Failure 409 {object} util.Response "会话已结束"
// @Failure 422 {object} util.Response{data=service.Rejection} "与课堂内容无关"
// @Failure 429 {object} util.Response "提问过于频繁"
// @Failure 503 {object} util.Response "暂时不可用，请重试"
// @Router /api/sessions/{id}/questions [post]
func (c *QuestionController) SubmitQuestion(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var req SubmitQuestionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	sessionID := ctx.Param("id")
	if err := c.SessionService.EnsureMember(ctx.Request.Context(), actor, sessionID); err != nil {
		respondError(ctx, err)
		return
	}

	result, err := c.IntakeService.Submit(ctx.Request.Context(), service.SubmitRequest{
		SessionID: sessionID,
		UserID:    actor.UserID,
		Text:      req.Text,
		Anonymous: req.Anonymous,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}

	if result.Rejection != nil {
		util.ErrorWithData(ctx, http.StatusUnprocessableEntity, "question is not relevant to the session", result.Rejection)
		return
	}

	util.Created(ctx, gin.H{
		"question": result.View,
		"feedback": result.Verdict.Feedback,
	})
}

// ListQuestions godoc
// @Summary 会话问题列表
// @Description 按提交时间升序；匿名问题只显示匿名名称
// @Tags 问题
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param resolved query bool false "按解决状态过滤"
// @Success 200 {object} util.Response{data=[]model.QuestionView}
// @Router /api/sessions/{id}/questions [get]
func (c *QuestionController) ListQuestions(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	var filter service.ListFilter
	if raw := ctx.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			util.BadRequest(ctx, "resolved must be a boolean")
			return
		}
		filter.Resolved = &resolved
	}

	sessionID := ctx.Param("id")
	if err := c.SessionService.EnsureViewer(ctx.Request.Context(), actor, sessionID); err != nil {
		respondError(ctx, err)
		return
	}

	views, err := c.IntakeService.List(ctx.Request.Context(), sessionID, filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, views)
}

// ResolveQuestion godoc
// @Summary 标记问题已解决
// @Tags 问题
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "问题ID"
// @Success 200 {object} util.Response{data=model.QuestionView}
// @Failure 403 {object} util.Response "非会话所属教师"
// @Router /api/questions/{id}/resolve [post]
func (c *QuestionController) ResolveQuestion(ctx *gin.Context) {
	c.transition(ctx, c.ResolutionService.Resolve)
}

// UnresolveQuestion godoc
// @Summary 重新打开问题
// @Tags 问题
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "问题ID"
// @Success 200 {object} util.Response{data=model.QuestionView}
// @Router /api/questions/{id}/unresolve [post]
func (c *QuestionController) UnresolveQuestion(ctx *gin.Context) {
	c.transition(ctx, c.ResolutionService.Unresolve)
}

// ViewQuestion godoc
// @Summary 标记问题已查看
// @Tags 问题
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "问题ID"
// @Success 200 {object} util.Response{data=model.QuestionView}
// @Router /api/questions/{id}/view [post]
func (c *QuestionController) ViewQuestion(ctx *gin.Context) {
	c.transition(ctx, c.ResolutionService.MarkViewed)
}

type transitionFunc func(ctx context.Context, actor service.Actor, questionID string) (*model.Question, error)

func (c *QuestionController) transition(ctx *gin.Context, fn transitionFunc) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	question, err := fn(ctx.Request.Context(), actor, ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, c.IntakeService.View(ctx.Request.Context(), question))
}
