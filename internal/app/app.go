package app

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/controller"
	"classroom_qa_backend/internal/repository"
	"classroom_qa_backend/internal/service"
	"classroom_qa_backend/pkg/configwatcher"
	"classroom_qa_backend/pkg/database"
	"classroom_qa_backend/pkg/logger"
	"classroom_qa_backend/pkg/monitoring"
	"classroom_qa_backend/pkg/security"
	"classroom_qa_backend/pkg/tracing"
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)

	ctx    context.Context
	cancel context.CancelFunc
}

type repositories struct {
	user     *repository.UserRepository
	session  *repository.SessionRepository
	identity *repository.IdentityRepository
	question *repository.QuestionRepository
}

type services struct {
	auth       *service.AuthService
	session    *service.SessionService
	identity   *service.IdentityService
	relevance  *service.RelevanceService
	intake     *service.IntakeService
	resolution *service.ResolutionService
	events     *service.EventHub
}

type controllers struct {
	auth     *controller.AuthController
	health   *controller.HealthController
	session  *controller.SessionController
	question *controller.QuestionController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:     repository.NewUserRepository(db),
		session:  repository.NewSessionRepository(db),
		identity: repository.NewIdentityRepository(db),
		question: repository.NewQuestionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) (*services, error) {
	transcripts, err := service.NewTranscriptStore(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	scorer, err := service.NewScorer(cfg.Relevance)
	if err != nil {
		return nil, err
	}

	s := &services{}
	s.events = service.NewEventHub(rdb)
	s.auth = service.NewAuthService(repos.user, cfg)
	s.session = service.NewSessionService(repos.session, transcripts, s.events, cfg.Relevance.DefaultThreshold)
	s.identity = service.NewIdentityService(repos.identity, rdb, cfg.Identity)
	s.relevance = service.NewRelevanceService(scorer, cfg.Relevance)
	s.intake = service.NewIntakeService(
		service.NewContextProvider(repos.session, transcripts),
		s.relevance,
		s.identity,
		repos.question,
		repos.user,
		s.events,
		cfg.Intake,
	)
	s.resolution = service.NewResolutionService(repos.question, repos.session, s.events)

	// 相关性与提问校验配置支持热更新
	a.RegisterConfigCallback(func(newCfg *config.Config) {
		s.relevance.UpdateConfig(newCfg.Relevance)
		s.intake.UpdateConfig(newCfg.Intake)
	})

	return s, nil
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:     controller.NewAuthController(s.auth),
		health:   controller.NewHealthController(db, rdb),
		session:  controller.NewSessionController(s.session, s.events),
		question: controller.NewQuestionController(s.intake, s.resolution, s.session),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	ipLimiter := security.NewKeyedLimiter(cfg.RateLimit.MaxRequests, window)
	ipLimiter.StartSweeper(a.ctx.Done())
	router.Use(security.RateLimiter(ipLimiter))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) startBackgroundTasks(s *services) {
	go s.events.Run(a.ctx)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				s.intake.SweepLimiter()
			}
		}
	}()

	err := configwatcher.WatchConfig(a.ctx, configDir, func(newCfg *config.Config) {
		for _, cb := range a.configCallbacks {
			cb(newCfg)
		}
	})
	if err != nil {
		// 配置文件可能不存在（仅用环境变量），热更新不可用不影响启动
		logger.Log.Warn("config hot reload disabled", zap.Error(err))
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	// release 模式默认不自动迁移，需通过 -migrate 显式开启
	migrate := cfg.Server.Mode != "release" || cfg.ForceMigrate
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		DB:     db,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	gin.SetMode(cfg.Server.Mode)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.ServiceName, cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	repos := app.initRepositories(db)
	services, err := app.initServices(repos, cfg, rdb)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	app.startBackgroundTasks(services)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
		// 关闭时取消 a.ctx，长连接的事件流随之退出
		BaseContext: func(net.Listener) context.Context { return a.ctx },
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	if a.services != nil && a.services.events != nil {
		a.services.events.Stop()
	}
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}

	logger.Log.Info("Server exiting")
}
