package repository

import (
	"classroom_qa_backend/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

type QuestionRepository struct {
	DB *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) *QuestionRepository {
	return &QuestionRepository{DB: db}
}

func (r *QuestionRepository) Create(ctx context.Context, question *model.Question) error {
	return r.DB.WithContext(ctx).Create(question).Error
}

func (r *QuestionRepository) FindByID(ctx context.Context, id string) (*model.Question, error) {
	var question model.Question
	err := r.DB.WithContext(ctx).First(&question, "id = ?", id).Error
	return &question, err
}

// ListBySession 按创建时间升序返回
func (r *QuestionRepository) ListBySession(ctx context.Context, sessionID string, resolved *bool) ([]model.Question, error) {
	var questions []model.Question

	query := r.DB.WithContext(ctx).Model(&model.Question{}).Where("session_id = ?", sessionID)
	if resolved != nil {
		query = query.Where("resolved = ?", *resolved)
	}

	err := query.Order("created_at ASC").Order("id ASC").Find(&questions).Error
	return questions, err
}

// SetResolved 单行更新，并发时后写覆盖前写
func (r *QuestionRepository) SetResolved(ctx context.Context, id string, resolved bool, at *time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.Question{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":    resolved,
			"resolved_at": at,
		}).Error
}

func (r *QuestionRepository) MarkViewed(ctx context.Context, id string, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.Question{}).
		Where("id = ? AND viewed_at IS NULL", id).
		Update("viewed_at", at).Error
}

func (r *QuestionRepository) CountBySession(ctx context.Context, sessionID string) (total int64, unresolved int64, err error) {
	if err = r.DB.WithContext(ctx).Model(&model.Question{}).Where("session_id = ?", sessionID).Count(&total).Error; err != nil {
		return
	}
	err = r.DB.WithContext(ctx).Model(&model.Question{}).
		Where("session_id = ? AND resolved = ?", sessionID, false).
		Count(&unresolved).Error
	return
}

