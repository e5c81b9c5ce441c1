package repository

import (
	"classroom_qa_backend/internal/model"
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityRepository struct {
	DB *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{DB: db}
}

// Find 不存在时返回 gorm.ErrRecordNotFound
func (r *IdentityRepository) Find(ctx context.Context, sessionID string, userID uint) (*model.AnonymousIdentity, error) {
	var identity model.AnonymousIdentity
	err := r.DB.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&identity).Error
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// CreateIfAbsent 依赖两个唯一索引：(session_id, user_id) 与 (session_id, display_name)。
// 冲突时不报错，返回 false，由调用方重新读取。
func (r *IdentityRepository) CreateIfAbsent(ctx context.Context, identity *model.AnonymousIdentity) (bool, error) {
	res := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(identity)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *IdentityRepository) NamesInSession(ctx context.Context, sessionID string) ([]string, error) {
	var names []string
	err := r.DB.WithContext(ctx).Model(&model.AnonymousIdentity{}).
		Where("session_id = ?", sessionID).
		Pluck("display_name", &names).Error
	return names, err
}

// NamesByUsers 批量取匿名名称，key 为 user id
func (r *IdentityRepository) NamesByUsers(ctx context.Context, sessionID string, userIDs []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var identities []model.AnonymousIdentity
	err := r.DB.WithContext(ctx).
		Where("session_id = ? AND user_id IN ?", sessionID, userIDs).
		Find(&identities).Error
	if err != nil {
		return nil, err
	}
	for _, id := range identities {
		out[id.UserID] = id.DisplayName
	}
	return out, nil
}
