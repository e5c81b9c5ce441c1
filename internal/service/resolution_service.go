package service

import (
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"classroom_qa_backend/pkg/monitoring"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actor 发起操作的已认证用户
type Actor struct {
	UserID uint
	Role   model.UserRole
}

type QuestionStateStore interface {
	FindByID(ctx context.Context, id string) (*model.Question, error)
	SetResolved(ctx context.Context, id string, resolved bool, at *time.Time) error
	MarkViewed(ctx context.Context, id string, at time.Time) error
}

// ResolutionService 问题状态只有 New / Resolved 两种，
// 仅会话所属教师（或管理员）可以切换。
type ResolutionService struct {
	questions QuestionStateStore
	sessions  SessionFinder
	events    Publisher
	now       func() time.Time
}

func NewResolutionService(questions QuestionStateStore, sessions SessionFinder, events Publisher) *ResolutionService {
	return &ResolutionService{
		questions: questions,
		sessions:  sessions,
		events:    events,
		now:       time.Now,
	}
}

func (s *ResolutionService) Resolve(ctx context.Context, actor Actor, questionID string) (*model.Question, error) {
	return s.setResolved(ctx, actor, questionID, true)
}

func (s *ResolutionService) Unresolve(ctx context.Context, actor Actor, questionID string) (*model.Question, error) {
	return s.setResolved(ctx, actor, questionID, false)
}

// MarkViewed 只记录首次查看时间，不影响 resolved
func (s *ResolutionService) MarkViewed(ctx context.Context, actor Actor, questionID string) (*model.Question, error) {
	question, err := s.authorize(ctx, actor, questionID)
	if err != nil {
		return nil, err
	}
	if question.ViewedAt != nil {
		return question, nil
	}

	now := s.now()
	if err := s.questions.MarkViewed(ctx, question.ID, now); err != nil {
		return nil, err
	}
	question.ViewedAt = &now
	monitoring.QuestionTransitions.WithLabelValues("viewed").Inc()
	return question, nil
}

func (s *ResolutionService) setResolved(ctx context.Context, actor Actor, questionID string, resolved bool) (*model.Question, error) {
	question, err := s.authorize(ctx, actor, questionID)
	if err != nil {
		return nil, err
	}

	// 状态未变化：幂等返回，resolved_at 保持不变，不发事件
	if question.Resolved == resolved {
		return question, nil
	}

	var at *time.Time
	transition := "unresolve"
	if resolved {
		now := s.now()
		at = &now
		transition = "resolve"
	}

	if err := s.questions.SetResolved(ctx, question.ID, resolved, at); err != nil {
		logger.Log.Error("update question state failed", zap.String("questionId", question.ID), zap.Error(err))
		return nil, err
	}
	question.Resolved = resolved
	question.ResolvedAt = at

	monitoring.QuestionTransitions.WithLabelValues(transition).Inc()
	logger.Log.Info("question state changed",
		zap.String("questionId", question.ID),
		zap.Bool("resolved", resolved),
		zap.Uint("actor", actor.UserID))

	if s.events != nil {
		state := resolved
		s.events.Publish(ctx, Event{
			Type:       EventQuestionStateChanged,
			SessionID:  question.SessionID,
			QuestionID: question.ID,
			Resolved:   &state,
		})
	}
	return question, nil
}

// authorize 加载问题并确认操作者是该会话的所属教师；管理员放行
func (s *ResolutionService) authorize(ctx context.Context, actor Actor, questionID string) (*model.Question, error) {
	// 先校验角色，避免学生通过 403/404 区分问题是否存在
	if actor.Role != model.Admin && actor.Role != model.Professor {
		return nil, util.ErrNotAuthorized
	}
	if questionID == "" {
		return nil, util.ErrInvalidArgument
	}
	question, err := s.questions.FindByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrQuestionNotFound
		}
		return nil, err
	}
	if actor.Role == model.Admin {
		return question, nil
	}

	session, err := s.sessions.FindByID(ctx, question.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrSessionNotFound
		}
		return nil, err
	}
	if session.OwnerID != actor.UserID {
		return nil, util.ErrNotAuthorized
	}
	return question, nil
}
