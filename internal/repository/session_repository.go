package repository

import (
	"classroom_qa_backend/internal/model"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepository struct {
	DB *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	return r.DB.WithContext(ctx).Create(session).Error
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.DB.WithContext(ctx).First(&session, "id = ?", id).Error
	return &session, err
}

func (r *SessionRepository) FindByJoinCode(ctx context.Context, code string) (*model.Session, error) {
	var session model.Session
	err := r.DB.WithContext(ctx).First(&session, "join_code = ?", code).Error
	return &session, err
}

func (r *SessionRepository) JoinCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.Session{}).Where("join_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID uint) ([]model.Session, error) {
	var sessions []model.Session
	err := r.DB.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&sessions).Error
	return sessions, err
}

// End 只更新仍处于 active 的会话，返回是否发生了状态变化
func (r *SessionRepository) End(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"status":   model.SessionEnded,
			"ended_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

// UpdateRelevance 仅允许修改 active 会话的相关性配置
func (r *SessionRepository) UpdateRelevance(ctx context.Context, id string, enabled bool, threshold float64) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"use_relevance_filtering": enabled,
			"relevance_threshold":     threshold,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SessionRepository) AddMember(ctx context.Context, sessionID string, userID uint) error {
	return r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.SessionMember{SessionID: sessionID, UserID: userID}).Error
}

func (r *SessionRepository) IsMember(ctx context.Context, sessionID string, userID uint) (bool, error) {
	var member model.SessionMember
	err := r.DB.WithContext(ctx).Where("session_id = ? AND user_id = ?", sessionID, userID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}
