package service

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/repository"
	"classroom_qa_backend/pkg/database"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接独立，固定为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

type fixture struct {
	db        *gorm.DB
	users     *repository.UserRepository
	sessions  *repository.SessionRepository
	identity  *repository.IdentityRepository
	questions *repository.QuestionRepository
}

func newFixture(t *testing.T) *fixture {
	db := newTestDB(t)
	return &fixture{
		db:        db,
		users:     repository.NewUserRepository(db),
		sessions:  repository.NewSessionRepository(db),
		identity:  repository.NewIdentityRepository(db),
		questions: repository.NewQuestionRepository(db),
	}
}

func (f *fixture) user(t *testing.T, name string, role model.UserRole) *model.User {
	t.Helper()
	u := &model.User{Name: name, Email: name + "@example.edu", Password: "x", Role: role}
	require.NoError(t, f.users.Create(context.Background(), u))
	return u
}

func (f *fixture) session(t *testing.T, owner *model.User, title string, filtering bool, threshold float64) *model.Session {
	t.Helper()
	s := &model.Session{
		Title:                 title,
		Description:           "Lecture on " + title,
		JoinCode:              model.GenerateUUID()[:6],
		Status:                model.SessionActive,
		OwnerID:               owner.ID,
		UseRelevanceFiltering: filtering,
		RelevanceThreshold:    threshold,
	}
	require.NoError(t, f.sessions.Create(context.Background(), s))
	return s
}

func (f *fixture) join(t *testing.T, s *model.Session, u *model.User) {
	t.Helper()
	require.NoError(t, f.sessions.AddMember(context.Background(), s.ID, u.ID))
}

func (f *fixture) countQuestions(t *testing.T, sessionID string) int64 {
	t.Helper()
	total, _, err := f.questions.CountBySession(context.Background(), sessionID)
	require.NoError(t, err)
	return total
}

// stubScorer 固定返回分数或错误，并记录调用次数
type stubScorer struct {
	mu    sync.Mutex
	score float64
	err   error
	delay time.Duration
	calls int
	last  string
}

func (s *stubScorer) Score(ctx context.Context, text, sessionContext string) (float64, error) {
	s.mu.Lock()
	s.calls++
	s.last = sessionContext
	delay, score, err := s.delay, s.score, s.err
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return score, err
}

func (s *stubScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func testIntakeConfig() config.IntakeConfig {
	return config.IntakeConfig{
		MinLength:     5,
		MaxLength:     500,
		RetryBackoff:  time.Millisecond,
		RatePerMinute: 0,
	}
}

func testRelevanceConfig() config.RelevanceConfig {
	return config.RelevanceConfig{
		Provider:         "none",
		Timeout:          200 * time.Millisecond,
		DefaultThreshold: 0.3,
		FailOpenScore:    0.7,
	}
}

func testIdentityConfig() config.IdentityConfig {
	return config.IdentityConfig{MaxAttempts: 16, RetryBackoff: time.Millisecond}
}
