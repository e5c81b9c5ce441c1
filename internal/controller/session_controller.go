package controller

import (
	"classroom_qa_backend/internal/service"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sseHeartbeat = 15 * time.Second

type EventSubscriber interface {
	Subscribe(sessionID string) (<-chan service.Event, func())
}

type SessionController struct {
	SessionService *service.SessionService
	Subscriber     EventSubscriber
}

func NewSessionController(sessionService *service.SessionService, events EventSubscriber) *SessionController {
	return &SessionController{
		SessionService: sessionService,
		Subscriber:     events,
	}
}

type CreateSessionRequest struct {
	Title                 string   `json:"title" binding:"required,max=255"`
	Description           string   `json:"description"`
	UseRelevanceFiltering *bool    `json:"use_relevance_filtering"`
	RelevanceThreshold    *float64 `json:"relevance_threshold"`
}

// CreateSession godoc
// @Summary 创建课堂会话
// @Description 教师创建会话，返回学生加入码
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param body body CreateSessionRequest true "会话信息"
// @Success 201 {object} util.Response{data=model.Session}
// @Failure 400 {object} util.Response "请求参数错误"
// @Router /api/sessions [post]
func (c *SessionController) CreateSession(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var req CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	session, err := c.SessionService.Create(ctx.Request.Context(), actor, service.CreateSessionInput{
		Title:                 req.Title,
		Description:           req.Description,
		UseRelevanceFiltering: req.UseRelevanceFiltering,
		RelevanceThreshold:    req.RelevanceThreshold,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Created(ctx, session)
}

// ListSessions godoc
// @Summary 我创建的会话
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.Session}
// @Router /api/sessions [get]
func (c *SessionController) ListSessions(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	sessions, err := c.SessionService.ListOwned(ctx.Request.Context(), actor)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, sessions)
}

// GetSession godoc
// @Summary 会话详情
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response{data=model.Session}
// @Failure 403 {object} util.Response "非会话成员"
// @Failure 404 {object} util.Response "会话不存在"
// @Router /api/sessions/{id} [get]
func (c *SessionController) GetSession(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	session, err := c.SessionService.Get(ctx.Request.Context(), actor, ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

// EndSession godoc
// @Summary 结束会话
// @Description 结束后不再接受提问，已有问题仍可查看与标记
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response{data=model.Session}
// @Router /api/sessions/{id}/end [post]
func (c *SessionController) EndSession(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	session, err := c.SessionService.End(ctx.Request.Context(), actor, ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

type UpdateRelevanceRequest struct {
	UseRelevanceFiltering *bool   `json:"use_relevance_filtering" binding:"required"`
	RelevanceThreshold    float64 `json:"relevance_threshold" binding:"gte=0,lte=1"`
}

// UpdateRelevance godoc
// @Summary 修改相关性过滤设置
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param body body UpdateRelevanceRequest true "过滤设置"
// @Success 200 {object} util.Response{data=model.Session}
// @Failure 409 {object} util.Response "会话已结束"
// @Router /api/sessions/{id}/relevance [patch]
func (c *SessionController) UpdateRelevance(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var req UpdateRelevanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	session, err := c.SessionService.UpdateRelevance(ctx.Request.Context(), actor, ctx.Param("id"), *req.UseRelevanceFiltering, req.RelevanceThreshold)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

type JoinSessionRequest struct {
	JoinCode string `json:"join_code" binding:"required"`
}

// JoinSession godoc
// @Summary 通过加入码加入会话
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param body body JoinSessionRequest true "加入码"
// @Success 200 {object} util.Response{data=object}
// @Failure 404 {object} util.Response "加入码无效"
// @Failure 409 {object} util.Response "会话已结束"
// @Router /api/sessions/join [post]
func (c *SessionController) JoinSession(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var req JoinSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	session, err := c.SessionService.Join(ctx.Request.Context(), actor, req.JoinCode)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"session_id":  session.ID,
		"title":       session.Title,
		"description": session.Description,
	})
}

type TranscriptRequest struct {
	Text string `json:"text" binding:"required"`
}

// PutTranscript godoc
// @Summary 上传课堂转写
// @Description 转写文本作为相关性评估的上下文，只保留末尾部分
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param body body TranscriptRequest true "转写文本"
// @Success 200 {object} util.Response
// @Router /api/sessions/{id}/transcript [put]
func (c *SessionController) PutTranscript(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var req TranscriptRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.SessionService.PutTranscript(ctx.Request.Context(), actor, ctx.Param("id"), req.Text); err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, nil)
}

// Events godoc
// @Summary 会话事件流
// @Description SSE 推送新问题、状态变化与会话结束事件；EventSource 可通过 token 查询参数认证
// @Tags 会话
// @Produce text/event-stream
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Router /api/sessions/{id}/events [get]
func (c *SessionController) Events(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	sessionID := ctx.Param("id")
	if err := c.SessionService.EnsureViewer(ctx.Request.Context(), actor, sessionID); err != nil {
		respondError(ctx, err)
		return
	}

	events, cancel := c.Subscriber.Subscribe(sessionID)
	defer cancel()

	// 设置SSE响应头
	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	ctx.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx.SSEvent("ready", gin.H{"session_id": sessionID})
	ctx.Writer.Flush()

	ctx.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Request.Context().Done():
			return false
		case <-heartbeat.C:
			ctx.SSEvent("ping", time.Now().Unix())
			return true
		case evt, ok := <-events:
			if !ok {
				return false
			}
			ctx.SSEvent(string(evt.Type), evt)
			if evt.Type == service.EventSessionEnded {
				logger.Log.Debug("session ended, closing event stream", zap.String("sessionId", sessionID))
				return false
			}
			return true
		}
	})
}
