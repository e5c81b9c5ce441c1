package model

import "time"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// DefaultRelevanceThreshold 未配置阈值时使用
const DefaultRelevanceThreshold = 0.3

// Session 教师创建的课堂会话，学生通过 JoinCode 加入
type Session struct {
	UUIDBase
	Title                 string        `gorm:"size:255;not null" json:"title"`
	Description           string        `gorm:"type:text" json:"description"`
	JoinCode              string        `gorm:"size:12;uniqueIndex;not null" json:"join_code"`
	Status                SessionStatus `gorm:"size:20;not null;default:'active'" json:"status"`
	OwnerID               uint          `gorm:"index;not null" json:"owner_id"`
	UseRelevanceFiltering bool          `gorm:"not null" json:"use_relevance_filtering"`
	RelevanceThreshold    float64       `gorm:"not null" json:"relevance_threshold"`
	EndedAt               *time.Time    `json:"ended_at"`
}

func (Session) TableName() string {
	return "sessions"
}

func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

func (s *Session) Threshold() float64 {
	// 0 表示接受所有问题，只有越界值才回退默认
	if s.RelevanceThreshold < 0 || s.RelevanceThreshold > 1 {
		return DefaultRelevanceThreshold
	}
	return s.RelevanceThreshold
}

type SessionMember struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"uniqueIndex:idx_session_member;size:36;not null" json:"session_id"`
	UserID    uint      `gorm:"uniqueIndex:idx_session_member;not null" json:"user_id"`
	CreatedAt time.Time `json:"joined_at"`
}

func (SessionMember) TableName() string {
	return "session_members"
}
