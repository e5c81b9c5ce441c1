package controller

import (
	"bytes"
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/middleware"
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/repository"
	"classroom_qa_backend/internal/service"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/database"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "controller-test-secret"

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(context.Context, string, string) (float64, error) {
	return s.score, nil
}

type apiHarness struct {
	t      *testing.T
	router *gin.Engine
	cfg    *config.Config
	users  *repository.UserRepository
	hub    *service.EventHub
}

func newAPIHarness(t *testing.T, score float64) *apiHarness {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	cfg := &config.Config{
		JWT:       config.JWTConfig{Secret: testSecret, ExpireTime: time.Hour},
		Relevance: config.RelevanceConfig{Provider: "none", Timeout: time.Second, DefaultThreshold: 0.3, FailOpenScore: 0.7},
		Intake:    config.IntakeConfig{MinLength: 5, MaxLength: 500, RetryBackoff: time.Millisecond},
		Identity:  config.IdentityConfig{MaxAttempts: 16, RetryBackoff: time.Millisecond},
	}

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	questions := repository.NewQuestionRepository(db)
	identities := repository.NewIdentityRepository(db)
	transcripts := &service.LocalTranscriptStore{Root: t.TempDir()}
	hub := service.NewEventHub(nil)
	t.Cleanup(hub.Stop)

	sessionService := service.NewSessionService(sessions, transcripts, hub, cfg.Relevance.DefaultThreshold)
	intake := service.NewIntakeService(
		service.NewContextProvider(sessions, transcripts),
		service.NewRelevanceService(fixedScorer{score: score}, cfg.Relevance),
		service.NewIdentityService(identities, nil, cfg.Identity),
		questions,
		users,
		hub,
		cfg.Intake,
	)
	resolution := service.NewResolutionService(questions, sessions, hub)

	authCtl := NewAuthController(service.NewAuthService(users, cfg))
	sessionCtl := NewSessionController(sessionService, hub)
	questionCtl := NewQuestionController(intake, resolution, sessionService)

	r := gin.New()
	r.POST("/api/register", authCtl.Register)
	r.POST("/api/login", authCtl.Login)
	api := r.Group("/api", middleware.AuthMiddleware(cfg))
	api.GET("/profile", authCtl.GetProfile)
	api.POST("/sessions/join", sessionCtl.JoinSession)
	api.GET("/sessions/:id", sessionCtl.GetSession)
	api.GET("/sessions/:id/events", sessionCtl.Events)
	api.GET("/sessions/:id/questions", questionCtl.ListQuestions)
	api.POST("/sessions/:id/questions", questionCtl.SubmitQuestion)
	prof := api.Group("", middleware.RoleMiddleware(model.Professor, model.Admin))
	prof.POST("/sessions", sessionCtl.CreateSession)
	prof.POST("/sessions/:id/end", sessionCtl.EndSession)
	prof.PATCH("/sessions/:id/relevance", sessionCtl.UpdateRelevance)
	prof.POST("/questions/:id/resolve", questionCtl.ResolveQuestion)
	prof.POST("/questions/:id/view", questionCtl.ViewQuestion)

	return &apiHarness{t: t, router: r, cfg: cfg, users: users, hub: hub}
}

func (h *apiHarness) user(name string, role model.UserRole) string {
	h.t.Helper()
	u := &model.User{Name: name, Email: name + "@example.edu", Password: "x", Role: role}
	require.NoError(h.t, h.users.Create(context.Background(), u))
	token, err := util.GenerateJWT(u, testSecret, time.Hour)
	require.NoError(h.t, err)
	return token
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *apiHarness) do(method, path, token string, body interface{}) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

// openSession 教师创建会话，学生通过加入码加入
func (h *apiHarness) openSession(profToken, studentToken string) model.Session {
	h.t.Helper()
	code, env := h.do(http.MethodPost, "/api/sessions", profToken, gin.H{"title": "Plate Tectonics"})
	require.Equal(h.t, http.StatusCreated, code, env.Message)
	var s model.Session
	require.NoError(h.t, json.Unmarshal(env.Data, &s))

	if studentToken != "" {
		code, env = h.do(http.MethodPost, "/api/sessions/join", studentToken, gin.H{"join_code": s.JoinCode})
		require.Equal(h.t, http.StatusOK, code, env.Message)
	}
	return s
}

func TestRegisterAndLogin(t *testing.T) {
	h := newAPIHarness(t, 0.9)

	body := gin.H{"name": "Ada", "email": "Ada@Example.edu", "password": "correct-horse", "role": "student"}
	code, _ := h.do(http.MethodPost, "/api/register", "", body)
	assert.Equal(t, http.StatusCreated, code)

	code, _ = h.do(http.MethodPost, "/api/register", "", body)
	assert.Equal(t, http.StatusConflict, code)

	body["role"] = "admin"
	body["email"] = "other@example.edu"
	code, _ = h.do(http.MethodPost, "/api/register", "", body)
	assert.Equal(t, http.StatusBadRequest, code, "admin cannot self-register")

	code, _ = h.do(http.MethodPost, "/api/login", "", gin.H{"email": "ada@example.edu", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := h.do(http.MethodPost, "/api/login", "", gin.H{"email": "ada@example.edu", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)

	code, _ = h.do(http.MethodGet, "/api/profile", login.Token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSubmitQuestion_AcceptedAndListed(t *testing.T) {
	h := newAPIHarness(t, 0.85)
	prof := h.user("prof", model.Professor)
	alice := h.user("alice", model.Student)
	s := h.openSession(prof, alice)

	code, env := h.do(http.MethodPost, "/api/sessions/"+s.ID+"/questions", alice,
		gin.H{"text": "Why do plates move?", "anonymous": true})
	require.Equal(t, http.StatusCreated, code, env.Message)

	var created struct {
		Question model.QuestionView `json:"question"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "Why do plates move?", created.Question.Content)
	assert.NotEqual(t, "alice", created.Question.AuthorName)
	assert.NotEmpty(t, created.Question.AuthorName)

	code, env = h.do(http.MethodGet, "/api/sessions/"+s.ID+"/questions", prof, nil)
	require.Equal(t, http.StatusOK, code)
	var views []model.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, created.Question.AuthorName, views[0].AuthorName)

	code, _ = h.do(http.MethodGet, "/api/sessions/"+s.ID+"/questions?resolved=maybe", prof, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubmitQuestion_Rejected(t *testing.T) {
	h := newAPIHarness(t, 0.05)
	prof := h.user("prof", model.Professor)
	alice := h.user("alice", model.Student)
	s := h.openSession(prof, alice)

	code, env := h.do(http.MethodPost, "/api/sessions/"+s.ID+"/questions", alice,
		gin.H{"text": "Who won the game last night?"})
	require.Equal(t, http.StatusUnprocessableEntity, code)

	var rejection service.Rejection
	require.NoError(t, json.Unmarshal(env.Data, &rejection))
	assert.NotEmpty(t, rejection.Feedback)
	assert.InDelta(t, 0.05, rejection.RelevanceScore, 1e-9)

	code, env = h.do(http.MethodGet, "/api/sessions/"+s.ID+"/questions", prof, nil)
	require.Equal(t, http.StatusOK, code)
	var views []model.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	assert.Empty(t, views)
}

func TestSubmitQuestion_Errors(t *testing.T) {
	h := newAPIHarness(t, 0.9)
	prof := h.user("prof", model.Professor)
	alice := h.user("alice", model.Student)
	bob := h.user("bob", model.Student)
	s := h.openSession(prof, alice)
	path := "/api/sessions/" + s.ID + "/questions"

	code, _ := h.do(http.MethodPost, path, alice, gin.H{"text": "why"})
	assert.Equal(t, http.StatusBadRequest, code, "too short")

	code, _ = h.do(http.MethodPost, path, bob, gin.H{"text": "Am I allowed to ask?"})
	assert.Equal(t, http.StatusForbidden, code, "not a member")

	code, _ = h.do(http.MethodPost, path, "", gin.H{"text": "Anyone there at all?"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(http.MethodPost, "/api/sessions/unknown/questions", alice, gin.H{"text": "Where am I asking?"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodPost, "/api/sessions/"+s.ID+"/end", prof, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(http.MethodPost, path, alice, gin.H{"text": "Is the class over now?"})
	assert.Equal(t, http.StatusConflict, code)
}

func TestSessionEndpoints_Authorization(t *testing.T) {
	h := newAPIHarness(t, 0.9)
	prof := h.user("prof", model.Professor)
	other := h.user("other", model.Professor)
	alice := h.user("alice", model.Student)
	s := h.openSession(prof, alice)

	code, _ := h.do(http.MethodPost, "/api/sessions", alice, gin.H{"title": "Student session"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodGet, "/api/sessions/"+s.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPatch, "/api/sessions/"+s.ID+"/relevance", other,
		gin.H{"use_relevance_filtering": false, "relevance_threshold": 0.2})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPatch, "/api/sessions/"+s.ID+"/relevance", prof,
		gin.H{"use_relevance_filtering": true, "relevance_threshold": 1.5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := h.do(http.MethodPatch, "/api/sessions/"+s.ID+"/relevance", prof,
		gin.H{"use_relevance_filtering": false, "relevance_threshold": 0.2})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, _ = h.do(http.MethodPost, "/api/sessions/join", alice, gin.H{"join_code": "NOPE42"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestResolveQuestion_OwnerOnly(t *testing.T) {
	h := newAPIHarness(t, 0.9)
	prof := h.user("prof", model.Professor)
	other := h.user("other", model.Professor)
	alice := h.user("alice", model.Student)
	s := h.openSession(prof, alice)

	code, env := h.do(http.MethodPost, "/api/sessions/"+s.ID+"/questions", alice,
		gin.H{"text": "What causes earthquakes?", "anonymous": false})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var created struct {
		Question model.QuestionView `json:"question"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "alice", created.Question.AuthorName)
	path := "/api/questions/" + created.Question.ID + "/resolve"

	code, _ = h.do(http.MethodPost, path, alice, nil)
	assert.Equal(t, http.StatusForbidden, code, "students are stopped by role")

	code, _ = h.do(http.MethodPost, path, other, nil)
	assert.Equal(t, http.StatusForbidden, code, "professor of another session")

	code, env = h.do(http.MethodPost, path, prof, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var q model.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.True(t, q.Resolved)
	assert.NotNil(t, q.ResolvedAt)
	assert.Equal(t, "alice", q.AuthorName)

	code, env = h.do(http.MethodGet, "/api/sessions/"+s.ID+"/questions?resolved=false", prof, nil)
	require.Equal(t, http.StatusOK, code)
	var open []model.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &open))
	assert.Empty(t, open)

	code, _ = h.do(http.MethodPost, "/api/questions/missing/resolve", prof, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestViewQuestion_ReturnsAnonymousView(t *testing.T) {
	h := newAPIHarness(t, 0.9)
	prof := h.user("prof", model.Professor)
	alice := h.user("alice", model.Student)
	s := h.openSession(prof, alice)

	code, env := h.do(http.MethodPost, "/api/sessions/"+s.ID+"/questions", alice,
		gin.H{"text": "Can plates ever stop moving?", "anonymous": true})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var created struct {
		Question model.QuestionView `json:"question"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	code, env = h.do(http.MethodPost, "/api/questions/"+created.Question.ID+"/view", prof, nil)
	require.Equal(t, http.StatusOK, code, env.Message)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &fields))
	assert.Contains(t, fields, "author_name")
	assert.Contains(t, fields, "viewed")
	assert.NotContains(t, fields, "viewed_at")

	var viewed model.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &viewed))
	assert.True(t, viewed.Viewed)
	assert.Equal(t, created.Question.AuthorName, viewed.AuthorName)
	assert.NotEqual(t, "alice", viewed.AuthorName)
}

// streamRecorder gin 的 Stream 需要 CloseNotifier
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestSessionEvents_Stream(t *testing.T) {
	h := newAPIHarness(t, 0.9)
	prof := h.user("prof", model.Professor)
	alice := h.user("alice", model.Student)
	outsider := h.user("outsider", model.Student)
	s := h.openSession(prof, alice)

	code, _ := h.do(http.MethodGet, "/api/sessions/"+s.ID+"/events", outsider, nil)
	assert.Equal(t, http.StatusForbidden, code)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+s.ID+"/events?token="+alice, nil).WithContext(ctx)
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event:ready")
	assert.Contains(t, rec.Body.String(), s.ID)
	assert.Equal(t, 0, h.hub.SubscriberCount(s.ID), "subscription released when the client leaves")
}
