package app

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/middleware"
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		authGroup.GET("/profile", c.auth.GetProfile)

		// 学生/通用 授权接口
		a.registerStudentRoutes(authGroup, c)

		// 教师相关接口
		a.registerProfessorRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)
	}
}

func (a *App) registerStudentRoutes(rg *gin.RouterGroup, c *controllers) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("/join", c.session.JoinSession)
		sessions.GET("/:id", c.session.GetSession)
		sessions.GET("/:id/events", c.session.Events)
		sessions.GET("/:id/questions", c.question.ListQuestions)
		sessions.POST("/:id/questions", c.question.SubmitQuestion)
	}
}

func (a *App) registerProfessorRoutes(rg *gin.RouterGroup, c *controllers) {
	professor := rg.Group("")
	professor.Use(middleware.RoleMiddleware(model.Professor, model.Admin))
	{
		professor.POST("/sessions", c.session.CreateSession)
		professor.GET("/sessions", c.session.ListSessions)
		professor.POST("/sessions/:id/end", c.session.EndSession)
		professor.PATCH("/sessions/:id/relevance", c.session.UpdateRelevance)
		professor.PUT("/sessions/:id/transcript", c.session.PutTranscript)

		professor.POST("/questions/:id/resolve", c.question.ResolveQuestion)
		professor.POST("/questions/:id/unresolve", c.question.UnresolveQuestion)
		professor.POST("/questions/:id/view", c.question.ViewQuestion)
	}
}
