package service

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"classroom_qa_backend/pkg/monitoring"
	"classroom_qa_backend/pkg/security"
	"classroom_qa_backend/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ContextSource interface {
	SessionContext(ctx context.Context, sessionID string) (SessionContext, error)
}

type RelevanceGate interface {
	Evaluate(ctx context.Context, sc SessionContext, candidate string) RelevanceVerdict
}

type IdentityResolver interface {
	Resolve(ctx context.Context, sessionID string, userID uint) (string, error)
	DisplayNames(ctx context.Context, sessionID string, userIDs []uint) (map[uint]string, error)
}

type QuestionStore interface {
	Create(ctx context.Context, question *model.Question) error
	FindByID(ctx context.Context, id string) (*model.Question, error)
	ListBySession(ctx context.Context, sessionID string, resolved *bool) ([]model.Question, error)
}

type UserNameLookup interface {
	NamesByIDs(ctx context.Context, ids []uint) (map[uint]string, error)
}

type SubmitRequest struct {
	SessionID string
	UserID    uint
	Text      string
	Anonymous bool
}

// Rejection 相关性不足的软拒绝，不是错误，学生可修改后重新提交
type Rejection struct {
	Feedback       string  `json:"feedback"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SubmitResult Question 与 Rejection 二者只有一个非空
type SubmitResult struct {
	Question  *model.Question
	View      *model.QuestionView
	Rejection *Rejection
	Verdict   RelevanceVerdict
}

type IntakeService struct {
	contexts  ContextSource
	gate      RelevanceGate
	identity  IdentityResolver
	questions QuestionStore
	users     UserNameLookup
	events    Publisher

	mu           sync.RWMutex
	rules        ValidationChain
	retryBackoff time.Duration
	limiter      *security.KeyedLimiter
}

func NewIntakeService(
	contexts ContextSource,
	gate RelevanceGate,
	identity IdentityResolver,
	questions QuestionStore,
	users UserNameLookup,
	events Publisher,
	cfg config.IntakeConfig,
) *IntakeService {
	s := &IntakeService{
		contexts:  contexts,
		gate:      gate,
		identity:  identity,
		questions: questions,
		users:     users,
		events:    events,
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig 替换校验链、重试间隔与限流配置
func (s *IntakeService) UpdateConfig(cfg config.IntakeConfig) {
	var limiter *security.KeyedLimiter
	if cfg.RatePerMinute > 0 {
		limiter = security.NewKeyedLimiter(cfg.RatePerMinute, time.Minute)
	}

	s.mu.Lock()
	s.rules = NewValidationChain(cfg)
	s.retryBackoff = cfg.RetryBackoff
	s.limiter = limiter
	s.mu.Unlock()
}

func (s *IntakeService) config() (ValidationChain, time.Duration, *security.KeyedLimiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules, s.retryBackoff, s.limiter
}

// SweepLimiter 清理长时间未提问用户的限流状态
func (s *IntakeService) SweepLimiter() {
	_, _, limiter := s.config()
	if limiter != nil {
		limiter.Sweep()
	}
}

// Submit 校验 → 相关性闸门 → 匿名身份 → 持久化 → 通知。
// 任一步失败都不会留下部分写入的问题。
func (s *IntakeService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "intake.submit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID), attribute.Bool("question.anonymous", req.Anonymous))

	rules, backoff, limiter := s.config()

	text := strings.TrimSpace(req.Text)
	if err := rules.Validate(text); err != nil {
		monitoring.QuestionSubmissions.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.SessionID == "" || req.UserID == 0 {
		return nil, util.ErrInvalidArgument
	}

	if limiter != nil && !limiter.Allow(strconv.FormatUint(uint64(req.UserID), 10)) {
		monitoring.QuestionSubmissions.WithLabelValues("rate_limited").Inc()
		return nil, util.ErrRateLimited
	}

	sc, err := s.contexts.SessionContext(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, util.ErrSessionNotFound) {
			return nil, err
		}
		monitoring.QuestionSubmissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: load session: %v", util.ErrTryAgain, err)
	}
	if !sc.Active {
		return nil, util.ErrSessionEnded
	}

	verdict := s.gate.Evaluate(ctx, sc, text)
	if !verdict.IsRelevant {
		monitoring.QuestionSubmissions.WithLabelValues("rejected").Inc()
		logger.Log.Info("question rejected by relevance gate",
			zap.String("sessionId", req.SessionID),
			zap.Float64("score", verdict.Score))
		return &SubmitResult{
			Rejection: &Rejection{Feedback: verdict.Feedback, RelevanceScore: verdict.Score},
			Verdict:   verdict,
		}, nil
	}

	question := &model.Question{
		SessionID:      req.SessionID,
		AuthorID:       req.UserID,
		Content:        text,
		Type:           model.QuestionPublic,
		RelevanceScore: verdict.Score,
	}
	question.ID = model.GenerateUUID()

	var authorName string
	if req.Anonymous {
		// 身份解析内部已重试，失败即放弃本次提交
		name, err := s.identity.Resolve(ctx, req.SessionID, req.UserID)
		if err != nil {
			monitoring.QuestionSubmissions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", util.ErrTryAgain, err)
		}
		question.Type = model.QuestionAnonymous
		authorName = name
	} else {
		names, err := s.users.NamesByIDs(ctx, []uint{req.UserID})
		if err != nil {
			logger.Log.Warn("author name lookup failed", zap.Error(err))
		}
		authorName = names[req.UserID]
	}

	if err := s.persist(ctx, question, backoff); err != nil {
		monitoring.QuestionSubmissions.WithLabelValues("error").Inc()
		logger.Log.Error("persist question failed", zap.String("sessionId", req.SessionID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", util.ErrTryAgain, err)
	}

	monitoring.QuestionSubmissions.WithLabelValues("accepted").Inc()
	logger.Log.Info("question accepted",
		zap.String("sessionId", req.SessionID),
		zap.String("questionId", question.ID),
		zap.String("type", string(question.Type)),
		zap.Float64("score", verdict.Score),
		zap.Bool("failOpen", verdict.FailOpen))

	if s.events != nil {
		s.events.Publish(ctx, Event{
			Type:       EventQuestionCreated,
			SessionID:  question.SessionID,
			QuestionID: question.ID,
		})
	}

	view := question.View(authorName)
	return &SubmitResult{Question: question, View: &view, Verdict: verdict}, nil
}

// persist 失败后重试一次；ID 预先生成，首次写入实际成功时不会重复插入
func (s *IntakeService) persist(ctx context.Context, question *model.Question, backoff time.Duration) error {
	err := s.questions.Create(ctx, question)
	if err == nil {
		return nil
	}
	logger.Log.Warn("create question failed, retrying", zap.String("questionId", question.ID), zap.Error(err))

	if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
		return err
	}
	if existing, findErr := s.questions.FindByID(ctx, question.ID); findErr == nil && existing != nil && existing.ID == question.ID {
		*question = *existing
		return nil
	}
	return s.questions.Create(ctx, question)
}

type ListFilter struct {
	Resolved *bool
}

// List 按创建时间排序返回会话问题，匿名问题只展示匿名名称
func (s *IntakeService) List(ctx context.Context, sessionID string, filter ListFilter) ([]model.QuestionView, error) {
	questions, err := s.questions.ListBySession(ctx, sessionID, filter.Resolved)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, sessionID, questions), nil
}

// View 单个问题的展示结构，与列表使用相同的作者名称规则
func (s *IntakeService) View(ctx context.Context, question *model.Question) model.QuestionView {
	return s.views(ctx, question.SessionID, []model.Question{*question})[0]
}

func (s *IntakeService) views(ctx context.Context, sessionID string, questions []model.Question) []model.QuestionView {
	var anonIDs, publicIDs []uint
	for _, q := range questions {
		if q.IsAnonymous() {
			anonIDs = append(anonIDs, q.AuthorID)
		} else {
			publicIDs = append(publicIDs, q.AuthorID)
		}
	}

	anonNames, err := s.identity.DisplayNames(ctx, sessionID, uniqueIDs(anonIDs))
	if err != nil {
		logger.Log.Warn("anonymous names unavailable, using placeholder", zap.String("sessionId", sessionID), zap.Error(err))
		anonNames = map[uint]string{}
	}
	publicNames, err := s.users.NamesByIDs(ctx, uniqueIDs(publicIDs))
	if err != nil {
		logger.Log.Warn("author names unavailable", zap.String("sessionId", sessionID), zap.Error(err))
		publicNames = map[uint]string{}
	}

	views := make([]model.QuestionView, 0, len(questions))
	for i := range questions {
		q := &questions[i]
		var name string
		if q.IsAnonymous() {
			name = anonNames[q.AuthorID]
			if name == "" {
				name = AnonymousPlaceholder
			}
		} else {
			name = publicNames[q.AuthorID]
		}
		views = append(views, q.View(name))
	}
	return views
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
