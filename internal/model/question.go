package model

import "time"

type QuestionType string

const (
	QuestionAnonymous QuestionType = "anonymous"
	QuestionPublic    QuestionType = "public"
)

type Question struct {
	UUIDBase
	SessionID      string       `gorm:"index;size:36;not null" json:"session_id"`
	AuthorID       uint         `gorm:"index;not null" json:"-"`
	Content        string       `gorm:"type:text;not null" json:"content"`
	Type           QuestionType `gorm:"size:20;not null" json:"type"`
	RelevanceScore float64      `gorm:"not null" json:"relevance_score"`
	Resolved       bool         `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt     *time.Time   `json:"resolved_at"`
	ViewedAt       *time.Time   `json:"viewed_at"`
}

func (Question) TableName() string {
	return "questions"
}

func (q *Question) IsAnonymous() bool {
	return q.Type == QuestionAnonymous
}

// QuestionView 对外展示结构，匿名问题只暴露匿名名称
type QuestionView struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	Content        string       `json:"content"`
	Type           QuestionType `json:"type"`
	AuthorName     string       `json:"author_name"`
	RelevanceScore float64      `json:"relevance_score"`
	Resolved       bool         `json:"resolved"`
	ResolvedAt     *time.Time   `json:"resolved_at"`
	Viewed         bool         `json:"viewed"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (q *Question) View(authorName string) QuestionView {
	return QuestionView{
		ID:             q.ID,
		SessionID:      q.SessionID,
		Content:        q.Content,
		Type:           q.Type,
		AuthorName:     authorName,
		RelevanceScore: q.RelevanceScore,
		Resolved:       q.Resolved,
		ResolvedAt:     q.ResolvedAt,
		Viewed:         q.ViewedAt != nil,
		CreatedAt:      q.CreatedAt,
	}
}
