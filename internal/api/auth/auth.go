package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"habitgrid/internal/api/middleware"
	"habitgrid/internal/model"
	"habitgrid/internal/pkg/metrics"
	"habitgrid/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Mailer 发送验证码类邮件。
type Mailer interface {
	SendVerificationCode(toEmail string, code string) error
	SendPasswordResetCode(toEmail string, code string) error
}

// Limiter 按 key 限流认证请求。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SessionRevoker 注销会话令牌。
type SessionRevoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

// Handler 提供注册、登录与找回密码页面。
type Handler struct {
	db         *gorm.DB
	codes      *store.SignupCodes
	jwtSecret  []byte
	mailer     Mailer
	limiter    Limiter
	revoker    SessionRevoker
	logger     *slog.Logger
	sessionTTL time.Duration
	habitLimit int
}

// NewHandler 创建 Auth Handler。habitLimit 是新账号的默认习惯配额。
func NewHandler(db *gorm.DB, jwtSecret string, mailer Mailer, limiter Limiter, revoker SessionRevoker, logger *slog.Logger, sessionTTL time.Duration, habitLimit int) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Handler{
		db:         db,
		codes:      store.NewSignupCodes(db),
		jwtSecret:  []byte(jwtSecret),
		mailer:     mailer,
		limiter:    limiter,
		revoker:    revoker,
		logger:     logger,
		sessionTTL: sessionTTL,
		habitLimit: habitLimit,
	}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Staff bool `json:"staff"`
}

// ShowLogin 渲染登录表单。
func (h *Handler) ShowLogin(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", gin.H{
		"Next":  c.Query("next"),
		"Email": "",
		"Error": "",
	})
}

// Login 校验凭据并写入会话 Cookie。
func (h *Handler) Login(c *gin.Context) {
	if !h.throttle(c, "login") {
		return
	}

	email := normalizeEmail(c.PostForm("email"))
	password := c.PostForm("password")
	next := c.PostForm("next")

	fail := func(message string) {
		if metrics.LoginsTotal != nil {
			metrics.LoginsTotal.WithLabelValues("failure").Inc()
		}
		c.HTML(http.StatusOK, "login.html", gin.H{
			"Next":  next,
			"Email": email,
			"Error": message,
		})
	}

	if email == "" || password == "" {
		fail("Enter your email and password.")
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; err != nil {
		fail("Invalid email or password.")
		return
	}
	if !user.IsActive {
		fail("This account is inactive.")
		return
	}
	if !user.IsVerified {
		fail("Please verify your email address first.")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		fail("Invalid email or password.")
		return
	}

	token, err := h.issueToken(&user)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	c.SetCookie(middleware.SessionCookie, token, int(h.sessionTTL.Seconds()), "/", "", false, true)

	if metrics.LoginsTotal != nil {
		metrics.LoginsTotal.WithLabelValues("success").Inc()
	}
	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email))
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		next = "/"
	}
	c.Redirect(http.StatusFound, next)
}

// Logout 注销当前会话令牌并清除 Cookie。
func (h *Handler) Logout(c *gin.Context) {
	if tokenStr, err := c.Cookie(middleware.SessionCookie); err == nil && tokenStr != "" {
		claims := &sessionClaims{}
		token, parseErr := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return h.jwtSecret, nil
		})
		if parseErr == nil && token.Valid && claims.ID != "" && h.revoker != nil {
			exp := time.Now().Add(h.sessionTTL)
			if claims.ExpiresAt != nil {
				exp = claims.ExpiresAt.Time
			}
			if err := h.revoker.Revoke(c.Request.Context(), claims.ID, exp); err != nil && h.logger != nil {
				h.logger.Warn("revoke token failed", slog.String("error", err.Error()))
			}
		}
	}

	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", false, true)
	c.Redirect(http.StatusFound, "/login/")
}

// ShowSignup 渲染注册表单。
func (h *Handler) ShowSignup(c *gin.Context) {
	c.HTML(http.StatusOK, "signup.html", gin.H{
		"Values": gin.H{"FirstName": "", "LastName": "", "Email": ""},
		"Errors": map[string]string{},
	})
}

// Signup 校验注册码并创建账号。
//
// 注册码的消费与账号创建在同一事务内：码无效时回滚，
// 表单带字段级错误重新显示，不创建账号。
func (h *Handler) Signup(c *gin.Context) {
	if !h.throttle(c, "signup") {
		return
	}

	firstName := strings.TrimSpace(c.PostForm("first_name"))
	lastName := strings.TrimSpace(c.PostForm("last_name"))
	email := normalizeEmail(c.PostForm("email"))
	password1 := c.PostForm("password1")
	password2 := c.PostForm("password2")
	signupCode := strings.TrimSpace(c.PostForm("signup_code"))

	values := gin.H{
		"FirstName": firstName,
		"LastName":  lastName,
		"Email":     email,
	}
	fieldErrors := map[string]string{}

	if firstName == "" {
		fieldErrors["first_name"] = "This field is required."
	}
	if lastName == "" {
		fieldErrors["last_name"] = "This field is required."
	}
	if email == "" || !strings.Contains(email, "@") {
		fieldErrors["email"] = "Enter a valid email address."
	}
	if len(password1) < 8 {
		fieldErrors["password1"] = "Password must be at least 8 characters."
	}
	if password1 != password2 {
		fieldErrors["password2"] = "Passwords do not match."
	}
	if signupCode == "" {
		fieldErrors["signup_code"] = "This field is required."
	}
	if len(fieldErrors) > 0 {
		c.HTML(http.StatusOK, "signup.html", gin.H{"Values": values, "Errors": fieldErrors})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password1), bcrypt.DefaultCost)
	if err != nil {
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	user := model.User{
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    firstName,
		LastName:     lastName,
		HabitLimit:   h.habitLimit,
		IsActive:     true,
	}

	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := h.codes.Consume(tx, signupCode); err != nil {
			return err
		}
		return tx.Create(&user).Error
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		fieldErrors["signup_code"] = "This code is not valid."
		c.HTML(http.StatusOK, "signup.html", gin.H{"Values": values, "Errors": fieldErrors})
		return
	case errors.Is(err, gorm.ErrDuplicatedKey):
		fieldErrors["email"] = "An account with this email already exists."
		c.HTML(http.StatusOK, "signup.html", gin.H{"Values": values, "Errors": fieldErrors})
		return
	case err != nil:
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	if err := h.issueVerifyCode(c.Request.Context(), &user); err != nil && h.logger != nil {
		// 发信失败不回滚账号，用户可以在验证页重发。
		h.logger.Warn("send verification failed", slog.String("email", email), slog.String("error", err.Error()))
	}

	if h.logger != nil {
		h.logger.Info("user registered", slog.String("email", email))
	}
	c.Redirect(http.StatusFound, "/verify-email/?email="+url.QueryEscape(email))
}

// ShowVerify 渲染验证码输入页。
func (h *Handler) ShowVerify(c *gin.Context) {
	c.HTML(http.StatusOK, "verify-email.html", gin.H{
		"Email": c.Query("email"),
		"Error": "",
		"Sent":  c.Query("sent") == "1",
	})
}

// Verify 校验邮箱验证码并激活账号。
func (h *Handler) Verify(c *gin.Context) {
	email := normalizeEmail(c.PostForm("email"))
	code := strings.TrimSpace(c.PostForm("code"))

	fail := func(message string) {
		c.HTML(http.StatusOK, "verify-email.html", gin.H{
			"Email": email,
			"Error": message,
		})
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; err != nil {
		fail("Invalid code.")
		return
	}
	if user.IsVerified {
		c.Redirect(http.StatusFound, "/login/")
		return
	}
	if user.VerifyCode == "" || user.VerifyCode != code {
		fail("Invalid code.")
		return
	}
	if user.VerifyCodeExpiresAt == nil || time.Now().After(*user.VerifyCodeExpiresAt) {
		fail("This code has expired. Request a new one.")
		return
	}

	updates := map[string]interface{}{
		"is_verified":            true,
		"verify_code":            "",
		"verify_code_expires_at": nil,
		"verify_code_sent_at":    nil,
	}
	if err := h.db.WithContext(c.Request.Context()).Model(&user).Updates(updates).Error; err != nil {
		if h.logger != nil {
			h.logger.Error("verify failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	if h.logger != nil {
		h.logger.Info("email verified", slog.String("email", email))
	}
	c.Redirect(http.StatusFound, "/login/")
}

// ResendCode 重新发送验证码（60 秒频控）。
func (h *Handler) ResendCode(c *gin.Context) {
	if !h.throttle(c, "resend") {
		return
	}

	email := normalizeEmail(c.PostForm("email"))

	var user model.User
	err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error
	if err == nil && !user.IsVerified {
		if user.VerifyCodeSentAt != nil && time.Since(*user.VerifyCodeSentAt) < 60*time.Second {
			c.Redirect(http.StatusFound, "/verify-email/?email="+url.QueryEscape(email))
			return
		}
		if err := h.issueVerifyCode(c.Request.Context(), &user); err != nil && h.logger != nil {
			h.logger.Warn("resend verification failed", slog.String("email", email), slog.String("error", err.Error()))
		}
	}

	// 无论邮箱是否存在都同样跳转，避免暴露账号。
	c.Redirect(http.StatusFound, "/verify-email/?email="+url.QueryEscape(email)+"&sent=1")
}

// ShowPasswordReset 渲染找回密码页。
func (h *Handler) ShowPasswordReset(c *gin.Context) {
	c.HTML(http.StatusOK, "password-reset.html", gin.H{})
}

// PasswordReset 发送密码重置码。
func (h *Handler) PasswordReset(c *gin.Context) {
	if !h.throttle(c, "reset") {
		return
	}

	email := normalizeEmail(c.PostForm("email"))

	var user model.User
	err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error
	if err == nil {
		if user.ResetCodeSentAt == nil || time.Since(*user.ResetCodeSentAt) >= 60*time.Second {
			if err := h.issueResetCode(c.Request.Context(), &user); err != nil && h.logger != nil {
				h.logger.Warn("send reset code failed", slog.String("email", email), slog.String("error", err.Error()))
			}
		}
	}

	c.Redirect(http.StatusFound, "/password-reset/confirm/?email="+url.QueryEscape(email))
}

// ShowPasswordResetConfirm 渲染重置码 + 新密码表单。
func (h *Handler) ShowPasswordResetConfirm(c *gin.Context) {
	c.HTML(http.StatusOK, "password-reset-confirm.html", gin.H{
		"Email": c.Query("email"),
		"Error": "",
	})
}

// PasswordResetConfirm 校验重置码并设置新密码。
func (h *Handler) PasswordResetConfirm(c *gin.Context) {
	email := normalizeEmail(c.PostForm("email"))
	code := strings.TrimSpace(c.PostForm("code"))
	password1 := c.PostForm("password1")
	password2 := c.PostForm("password2")

	fail := func(message string) {
		c.HTML(http.StatusOK, "password-reset-confirm.html", gin.H{
			"Email": email,
			"Error": message,
		})
	}

	if len(password1) < 8 {
		fail("Password must be at least 8 characters.")
		return
	}
	if password1 != password2 {
		fail("Passwords do not match.")
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; err != nil {
		fail("Invalid code.")
		return
	}
	if user.ResetCode == "" || user.ResetCode != code {
		fail("Invalid code.")
		return
	}
	if user.ResetCodeExpiresAt == nil || time.Now().After(*user.ResetCodeExpiresAt) {
		fail("This code has expired. Request a new one.")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password1), bcrypt.DefaultCost)
	if err != nil {
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	updates := map[string]interface{}{
		"password_hash":         string(hash),
		"reset_code":            "",
		"reset_code_expires_at": nil,
		"reset_code_sent_at":    nil,
	}
	if err := h.db.WithContext(c.Request.Context()).Model(&user).Updates(updates).Error; err != nil {
		if h.logger != nil {
			h.logger.Error("password reset failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	if h.logger != nil {
		h.logger.Info("password reset", slog.String("email", email))
	}
	c.Redirect(http.StatusFound, "/login/")
}

func (h *Handler) issueVerifyCode(ctx context.Context, user *model.User) error {
	code, err := generateCode(6)
	if err != nil {
		return err
	}
	exp := time.Now().Add(10 * time.Minute)
	now := time.Now()

	updates := map[string]interface{}{
		"verify_code":            code,
		"verify_code_expires_at": &exp,
		"verify_code_sent_at":    &now,
	}
	if err := h.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("save verify code: %w", err)
	}
	if h.mailer == nil {
		return fmt.Errorf("email notifier not configured")
	}
	return h.mailer.SendVerificationCode(user.Email, code)
}

func (h *Handler) issueResetCode(ctx context.Context, user *model.User) error {
	code, err := generateCode(6)
	if err != nil {
		return err
	}
	exp := time.Now().Add(10 * time.Minute)
	now := time.Now()

	updates := map[string]interface{}{
		"reset_code":            code,
		"reset_code_expires_at": &exp,
		"reset_code_sent_at":    &now,
	}
	if err := h.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("save reset code: %w", err)
	}
	if h.mailer == nil {
		return fmt.Errorf("email notifier not configured")
	}
	return h.mailer.SendPasswordResetCode(user.Email, code)
}

func (h *Handler) issueToken(user *model.User) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(h.sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
		Staff: user.IsStaff,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// throttle 为认证接口做按 IP 限流，超限直接返回 429。
func (h *Handler) throttle(c *gin.Context, action string) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(c.Request.Context(), action+":"+c.ClientIP())
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("ratelimit check failed", slog.String("error", err.Error()))
		}
		return true
	}
	if !ok {
		if metrics.AuthThrottledTotal != nil {
			metrics.AuthThrottledTotal.Inc()
		}
		c.String(http.StatusTooManyRequests, "Too many requests. Try again shortly.")
		c.Abort()
		return false
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func generateCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = '0' + (buf[i] % 10)
	}
	return string(buf), nil
}
