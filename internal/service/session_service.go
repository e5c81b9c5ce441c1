package service

import (
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeAttempts = 8
)

type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByJoinCode(ctx context.Context, code string) (*model.Session, error)
	JoinCodeExists(ctx context.Context, code string) (bool, error)
	ListByOwner(ctx context.Context, ownerID uint) ([]model.Session, error)
	End(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateRelevance(ctx context.Context, id string, enabled bool, threshold float64) (bool, error)
	AddMember(ctx context.Context, sessionID string, userID uint) error
	IsMember(ctx context.Context, sessionID string, userID uint) (bool, error)
}

type CreateSessionInput struct {
	Title                 string
	Description           string
	UseRelevanceFiltering *bool
	RelevanceThreshold    *float64
}

type SessionService struct {
	sessions         SessionStore
	transcripts      TranscriptStore
	events           Publisher
	defaultThreshold float64
}

func NewSessionService(sessions SessionStore, transcripts TranscriptStore, events Publisher, defaultThreshold float64) *SessionService {
	if !validScore(defaultThreshold) || defaultThreshold == 0 {
		defaultThreshold = model.DefaultRelevanceThreshold
	}
	return &SessionService{
		sessions:         sessions,
		transcripts:      transcripts,
		events:           events,
		defaultThreshold: defaultThreshold,
	}
}

// Create 教师创建会话，默认开启相关性过滤
func (s *SessionService) Create(ctx context.Context, actor Actor, in CreateSessionInput) (*model.Session, error) {
	if actor.Role != model.Professor && actor.Role != model.Admin {
		return nil, util.ErrPermissionDenied
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", util.ErrInvalidArgument)
	}

	session := &model.Session{
		Title:                 title,
		Description:           strings.TrimSpace(in.Description),
		Status:                model.SessionActive,
		OwnerID:               actor.UserID,
		UseRelevanceFiltering: true,
		RelevanceThreshold:    s.defaultThreshold,
	}
	if in.UseRelevanceFiltering != nil {
		session.UseRelevanceFiltering = *in.UseRelevanceFiltering
	}
	if in.RelevanceThreshold != nil {
		if !validScore(*in.RelevanceThreshold) {
			return nil, fmt.Errorf("%w: relevance threshold must be within [0,1]", util.ErrInvalidArgument)
		}
		session.RelevanceThreshold = *in.RelevanceThreshold
	}

	code, err := s.newJoinCode(ctx)
	if err != nil {
		return nil, err
	}
	session.JoinCode = code

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	logger.Log.Info("session created", zap.String("sessionId", session.ID), zap.Uint("owner", actor.UserID))
	return session, nil
}

func (s *SessionService) newJoinCode(ctx context.Context) (string, error) {
	for i := 0; i < joinCodeAttempts; i++ {
		code, err := randomJoinCode()
		if err != nil {
			return "", err
		}
		exists, err := s.sessions.JoinCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("could not allocate a unique join code")
}

func randomJoinCode() (string, error) {
	max := big.NewInt(int64(len(joinCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < joinCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(joinCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func (s *SessionService) find(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *SessionService) owned(ctx context.Context, actor Actor, id string) (*model.Session, error) {
	session, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.Admin && session.OwnerID != actor.UserID {
		return nil, util.ErrNotAuthorized
	}
	return session, nil
}

// Get 所属教师、管理员与已加入的学生可见
func (s *SessionService) Get(ctx context.Context, actor Actor, id string) (*model.Session, error) {
	session, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.canView(ctx, actor, session)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, util.ErrNotSessionMember
	}
	return session, nil
}

func (s *SessionService) ListOwned(ctx context.Context, actor Actor) ([]model.Session, error) {
	return s.sessions.ListByOwner(ctx, actor.UserID)
}

// End 结束会话；已结束时直接返回当前状态
func (s *SessionService) End(ctx context.Context, actor Actor, id string) (*model.Session, error) {
	session, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return session, nil
	}

	now := time.Now()
	changed, err := s.sessions.End(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s.find(ctx, id)
	}
	session.Status = model.SessionEnded
	session.EndedAt = &now

	logger.Log.Info("session ended", zap.String("sessionId", id))
	if s.events != nil {
		s.events.Publish(ctx, Event{Type: EventSessionEnded, SessionID: id})
	}
	return session, nil
}

// UpdateRelevance 修改过滤开关与阈值，会话结束后不可修改
func (s *SessionService) UpdateRelevance(ctx context.Context, actor Actor, id string, enabled bool, threshold float64) (*model.Session, error) {
	if !validScore(threshold) {
		return nil, fmt.Errorf("%w: relevance threshold must be within [0,1]", util.ErrInvalidArgument)
	}
	session, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, util.ErrSessionEnded
	}

	changed, err := s.sessions.UpdateRelevance(ctx, id, enabled, threshold)
	if err != nil {
		return nil, err
	}
	if !changed {
		// mysql 在值未变化时 RowsAffected 为 0，需要重新确认是否已结束
		current, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.IsActive() {
			return nil, util.ErrSessionEnded
		}
	}
	session.UseRelevanceFiltering = enabled
	session.RelevanceThreshold = threshold
	return session, nil
}

// Join 学生通过加入码进入会话，重复加入无副作用
func (s *SessionService) Join(ctx context.Context, actor Actor, code string) (*model.Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, util.ErrInvalidJoinCode
	}
	session, err := s.sessions.FindByJoinCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrInvalidJoinCode
		}
		return nil, err
	}
	if !session.IsActive() {
		return nil, util.ErrSessionEnded
	}
	if err := s.sessions.AddMember(ctx, session.ID, actor.UserID); err != nil {
		return nil, err
	}
	return session, nil
}

// EnsureMember 提问前确认学生已加入会话
func (s *SessionService) EnsureMember(ctx context.Context, actor Actor, sessionID string) error {
	session, err := s.find(ctx, sessionID)
	if err != nil {
		return err
	}
	ok, err := s.sessions.IsMember(ctx, session.ID, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return util.ErrNotSessionMember
	}
	return nil
}

// EnsureViewer 列表与事件流：所属教师、管理员或成员
func (s *SessionService) EnsureViewer(ctx context.Context, actor Actor, sessionID string) error {
	_, err := s.Get(ctx, actor, sessionID)
	return err
}

func (s *SessionService) canView(ctx context.Context, actor Actor, session *model.Session) (bool, error) {
	if actor.Role == model.Admin || session.OwnerID == actor.UserID {
		return true, nil
	}
	return s.sessions.IsMember(ctx, session.ID, actor.UserID)
}

// PutTranscript 教师上传课堂转写，供相关性评估使用
func (s *SessionService) PutTranscript(ctx context.Context, actor Actor, id, text string) error {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return err
	}
	if s.transcripts == nil {
		return errors.New("transcript storage not configured")
	}
	return s.transcripts.Put(ctx, id, text)
}
