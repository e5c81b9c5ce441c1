package service

import (
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SessionContext 相关性评估所需的会话上下文，每次评估时现读
type SessionContext struct {
	SessionID    string
	Title        string
	Description  string
	Transcript   string
	Active       bool
	UseFiltering bool
	Threshold    float64
}

// Text 拼接为打分服务的上下文文本
func (c SessionContext) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Title, c.Description, c.Transcript} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

type ContextProvider struct {
	sessions    SessionFinder
	transcripts TranscriptStore
}

func NewContextProvider(sessions SessionFinder, transcripts TranscriptStore) *ContextProvider {
	return &ContextProvider{sessions: sessions, transcripts: transcripts}
}

func (p *ContextProvider) SessionContext(ctx context.Context, sessionID string) (SessionContext, error) {
	session, err := p.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionContext{}, util.ErrSessionNotFound
		}
		return SessionContext{}, err
	}

	sc := SessionContext{
		SessionID:    session.ID,
		Title:        session.Title,
		Description:  session.Description,
		Active:       session.IsActive(),
		UseFiltering: session.UseRelevanceFiltering,
		Threshold:    session.Threshold(),
	}

	// 转写缺失或读取失败都不影响提问
	if p.transcripts != nil {
		transcript, err := p.transcripts.Get(ctx, sessionID)
		if err != nil {
			logger.Log.Warn("transcript unavailable", zap.String("sessionId", sessionID), zap.Error(err))
		} else {
			sc.Transcript = transcript
		}
	}

	return sc, nil
}
