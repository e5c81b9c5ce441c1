package model

import "time"

// AnonymousIdentity 每个用户在每个会话中唯一的匿名身份，创建后不可修改
type AnonymousIdentity struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string    `gorm:"uniqueIndex:idx_anon_session_user;uniqueIndex:idx_anon_session_name;size:36;not null" json:"session_id"`
	UserID      uint      `gorm:"uniqueIndex:idx_anon_session_user;not null" json:"-"`
	DisplayName string    `gorm:"uniqueIndex:idx_anon_session_name;size:64;not null" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AnonymousIdentity) TableName() string {
	return "anonymous_identities"
}
