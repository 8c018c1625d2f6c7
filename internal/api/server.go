package api

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"habitgrid/internal/api/auth"
	"habitgrid/internal/api/middleware"
	"habitgrid/internal/config"
	"habitgrid/internal/grid"
	"habitgrid/internal/model"
	"habitgrid/internal/pkg/metrics"
	"habitgrid/internal/pkg/notify"
	"habitgrid/internal/pkg/ratelimit"
	"habitgrid/internal/pkg/revoke"
	"habitgrid/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 HTTP 服务所需的依赖和路由处理。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
	auth   *auth.Handler

	habits      HabitStore
	completions CompletionStore
	users       UserStore
	codes       SignupCodeMinter
}

// HabitStore 是习惯操作的持久化接口。
type HabitStore interface {
	CountActive(ctx context.Context, userID uint) (int64, error)
	Create(ctx context.Context, habit *model.Habit) error
	GetActive(ctx context.Context, userID uint, habitID string) (*model.Habit, error)
	ListActive(ctx context.Context, userID uint) ([]model.Habit, error)
	MostRecent(ctx context.Context, userID uint) (*model.Habit, error)
	SoftDelete(ctx context.Context, userID uint, habitID string) error
	SetComplete(ctx context.Context, habitID string, complete bool) error
}

// CompletionStore 是打卡记录的持久化接口。
type CompletionStore interface {
	Toggle(ctx context.Context, habitID string, day string) (bool, error)
	Days(ctx context.Context, habitID string) (map[string]bool, error)
}

// UserStore 是账号级操作的持久化接口。
type UserStore interface {
	Get(ctx context.Context, userID uint) (*model.User, error)
	Delete(ctx context.Context, userID uint) error
}

// SignupCodeMinter 铸造注册码。
type SignupCodeMinter interface {
	Mint(ctx context.Context, n int, length int) ([]string, error)
}

// NewServer 初始化 HTTP 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎与 HTML 模板
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.SignupCode{}, &model.Habit{}, &model.CompletedDay{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	mailer := notify.NewEmailNotifier(&cfg.Email, logger)
	limiter := ratelimit.NewRedisLimiter(rdb, logger, "habitgrid:ratelimit:auth:", cfg.App.AuthRateLimit, cfg.App.AuthRateBurst)
	revoked := revoke.NewList(rdb)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.SetFuncMap(TemplateFuncs())
	r.LoadHTMLGlob(cfg.App.TemplateGlob)
	r.Static("/assets", cfg.App.AssetDir)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		rdb:         rdb,
		router:      r,
		auth:        auth.NewHandler(db, cfg.Security.JWTSecret, mailer, limiter, revoked, logger, cfg.App.SessionTTL, cfg.App.DefaultHabitLimit),
		habits:      store.NewHabits(db),
		completions: store.NewCompletions(db),
		users:       store.NewUsers(db),
		codes:       store.NewSignupCodes(db),
	}
	s.registerRoutes(revoked)
	return s, nil
}

// TemplateFuncs 返回渲染 HTML 模板所需的辅助函数。
// habit.html 中以 day.html 为子模板逐格渲染打卡网格，
// cellctx 负责把习惯和单日格子打包成子模板的数据。
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"cellctx": func(h *model.Habit, cell grid.DayCell) gin.H {
			return gin.H{"Habit": h, "Cell": cell}
		},
	}
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与 Redis 连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes 注册所有路由。
func (s *Server) registerRoutes(revoked middleware.Revoker) {
	// GET /habit-day-toggle/:id/ 需要按规约返回 405 而不是 404。
	s.router.HandleMethodNotAllowed = true
	s.router.NoMethod(func(c *gin.Context) {
		c.String(http.StatusMethodNotAllowed, "Method not allowed.")
	})
	s.router.NoRoute(func(c *gin.Context) {
		c.HTML(http.StatusNotFound, "not-found.html", gin.H{})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.GET("/login/", s.auth.ShowLogin)
	s.router.POST("/login/", s.auth.Login)
	s.router.GET("/signup/", s.auth.ShowSignup)
	s.router.POST("/signup/", s.auth.Signup)
	s.router.GET("/verify-email/", s.auth.ShowVerify)
	s.router.POST("/verify-email/", s.auth.Verify)
	s.router.POST("/resend-code/", s.auth.ResendCode)
	s.router.GET("/password-reset/", s.auth.ShowPasswordReset)
	s.router.POST("/password-reset/", s.auth.PasswordReset)
	s.router.GET("/password-reset/confirm/", s.auth.ShowPasswordResetConfirm)
	s.router.POST("/password-reset/confirm/", s.auth.PasswordResetConfirm)

	authed := s.router.Group("/")
	authed.Use(middleware.SessionMiddleware(s.cfg.Security.JWTSecret, revoked))
	authed.GET("/", s.handleHome)
	authed.GET("/create-habit/", s.handleCreateHabitForm)
	authed.POST("/create-habit/", s.handleCreateHabit)
	authed.GET("/max-habits-created/", s.handleMaxHabits)
	authed.GET("/habit/:id/", s.handleHabit)
	authed.GET("/delete-habit/:id/", s.handleDeleteHabitConfirm)
	authed.POST("/delete-habit/:id/", s.handleDeleteHabit)
	authed.POST("/habit-day-toggle/:id/", s.handleToggleDay)
	authed.POST("/logout/", s.auth.Logout)
	authed.POST("/account/delete/", s.handleDeleteAccount)
	authed.POST("/signup-codes/", s.handleMintSignupCodes)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMintSignupCodes 供管理员在线铸码（等价于 cmd/signupcode）。
func (s *Server) handleMintSignupCodes(c *gin.Context) {
	if !isStaff(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "staff only"})
		return
	}

	var req struct {
		Count int `json:"count" binding:"required,min=1,max=100"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	codes, err := s.codes.Mint(c.Request.Context(), req.Count, s.cfg.App.SignupCodeLength)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("mint signup codes failed", slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mint codes failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"codes": codes})
}

func currentUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	id, _ := v.(uint)
	return id
}

func isStaff(c *gin.Context) bool {
	v, ok := c.Get("isStaff")
	if !ok {
		return false
	}
	staff, _ := v.(bool)
	return staff
}
