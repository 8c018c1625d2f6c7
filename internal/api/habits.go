package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"habitgrid/internal/grid"
	"habitgrid/internal/model"
	"habitgrid/internal/pkg/metrics"
	"habitgrid/internal/store"

	"github.com/gin-gonic/gin"
)

// handleHome 显示最近更新的习惯网格；没有活跃习惯时跳转到创建页。
func (s *Server) handleHome(c *gin.Context) {
	userID := currentUserID(c)

	h, err := s.habits.MostRecent(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		c.Redirect(http.StatusFound, "/create-habit/")
		return
	}
	if err != nil {
		s.renderError(c, err, "load most recent habit failed")
		return
	}

	s.renderHabit(c, userID, h)
}

// handleHabit 渲染指定习惯的网格页。
func (s *Server) handleHabit(c *gin.Context) {
	userID := currentUserID(c)

	h, err := s.habits.GetActive(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderNotFound(c)
		return
	}
	if err != nil {
		s.renderError(c, err, "load habit failed")
		return
	}

	s.renderHabit(c, userID, h)
}

func (s *Server) renderHabit(c *gin.Context, userID uint, h *model.Habit) {
	days, err := s.completions.Days(c.Request.Context(), h.ID)
	if err != nil {
		s.renderError(c, err, "load completed days failed")
		return
	}
	userHabits, err := s.habits.ListActive(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err, "list habits failed")
		return
	}

	now := time.Now()
	dateGrid := grid.Generate(h.CreatedAt, h.Duration, days, now)

	// 窗口全部结束后补记 complete 标记。
	if !h.Complete && grid.Finished(h.CreatedAt, h.Duration, now) {
		if err := s.habits.SetComplete(c.Request.Context(), h.ID, true); err != nil {
			if s.logger != nil {
				s.logger.Error("mark habit complete failed", slog.String("habit_id", h.ID), slog.String("error", err.Error()))
			}
		} else {
			h.Complete = true
		}
	}

	c.HTML(http.StatusOK, "habit.html", gin.H{
		"Habit":      h,
		"DateGrid":   dateGrid,
		"UserHabits": userHabits,
	})
}

// handleCreateHabitForm 渲染创建表单；配额已满时跳转提示页。
func (s *Server) handleCreateHabitForm(c *gin.Context) {
	userID := currentUserID(c)

	full, err := s.quotaReached(c, userID)
	if err != nil {
		s.renderError(c, err, "quota check failed")
		return
	}
	if full {
		c.Redirect(http.StatusFound, "/max-habits-created/")
		return
	}

	userHabits, err := s.habits.ListActive(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err, "list habits failed")
		return
	}
	c.HTML(http.StatusOK, "create-habit.html", gin.H{
		"Durations":  s.cfg.App.HabitDurations,
		"Name":       "",
		"Duration":   60,
		"Errors":     map[string]string{},
		"UserHabits": userHabits,
	})
}

// handleCreateHabit 校验并创建习惯，成功后跳转到详情页。
func (s *Server) handleCreateHabit(c *gin.Context) {
	userID := currentUserID(c)

	full, err := s.quotaReached(c, userID)
	if err != nil {
		s.renderError(c, err, "quota check failed")
		return
	}
	if full {
		c.Redirect(http.StatusFound, "/max-habits-created/")
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	duration, _ := strconv.Atoi(c.PostForm("duration"))

	fieldErrors := map[string]string{}
	if name == "" {
		fieldErrors["name"] = "This field is required."
	} else if len(name) > 50 {
		fieldErrors["name"] = "Keep the name under 50 characters."
	}
	if !s.validDuration(duration) {
		fieldErrors["duration"] = "Choose one of the listed durations."
	}
	if len(fieldErrors) > 0 {
		userHabits, listErr := s.habits.ListActive(c.Request.Context(), userID)
		if listErr != nil {
			s.renderError(c, listErr, "list habits failed")
			return
		}
		c.HTML(http.StatusOK, "create-habit.html", gin.H{
			"Durations":  s.cfg.App.HabitDurations,
			"Name":       name,
			"Duration":   duration,
			"Errors":     fieldErrors,
			"UserHabits": userHabits,
		})
		return
	}

	h := &model.Habit{
		UserID:   userID,
		Name:     name,
		Duration: duration,
	}
	if err := s.habits.Create(c.Request.Context(), h); err != nil {
		s.renderError(c, err, "create habit failed")
		return
	}

	if metrics.HabitsCreatedTotal != nil {
		metrics.HabitsCreatedTotal.Inc()
	}
	if s.logger != nil {
		s.logger.Info("habit created", slog.Uint64("user_id", uint64(userID)), slog.String("habit_id", h.ID))
	}
	c.Redirect(http.StatusFound, "/habit/"+h.ID+"/")
}

// handleMaxHabits 渲染配额已满提示页。
func (s *Server) handleMaxHabits(c *gin.Context) {
	userID := currentUserID(c)

	userHabits, err := s.habits.ListActive(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err, "list habits failed")
		return
	}
	c.HTML(http.StatusOK, "max-habits-created.html", gin.H{
		"UserHabits": userHabits,
	})
}

// handleDeleteHabitConfirm 渲染删除确认页。
func (s *Server) handleDeleteHabitConfirm(c *gin.Context) {
	userID := currentUserID(c)

	h, err := s.habits.GetActive(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderNotFound(c)
		return
	}
	if err != nil {
		s.renderError(c, err, "load habit failed")
		return
	}

	c.HTML(http.StatusOK, "delete-habit.html", gin.H{"Habit": h})
}

// handleDeleteHabit 软删除习惯并跳转回首页。
func (s *Server) handleDeleteHabit(c *gin.Context) {
	userID := currentUserID(c)

	err := s.habits.SoftDelete(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderNotFound(c)
		return
	}
	if err != nil {
		s.renderError(c, err, "soft delete failed")
		return
	}

	if metrics.HabitsDeletedTotal != nil {
		metrics.HabitsDeletedTotal.Inc()
	}
	if s.logger != nil {
		s.logger.Info("habit soft deleted", slog.Uint64("user_id", uint64(userID)), slog.String("habit_id", c.Param("id")))
	}
	c.Redirect(http.StatusFound, "/")
}

// handleToggleDay 切换今天的打卡状态并返回更新后的格子片段。
func (s *Server) handleToggleDay(c *gin.Context) {
	userID := currentUserID(c)

	h, err := s.habits.GetActive(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderNotFound(c)
		return
	}
	if err != nil {
		s.renderError(c, err, "load habit failed")
		return
	}

	today := time.Now().Format(grid.DateLayout)
	completed, err := s.completions.Toggle(c.Request.Context(), h.ID, today)
	if err != nil {
		s.renderError(c, err, "toggle failed")
		return
	}

	if metrics.DayTogglesTotal != nil {
		state := "incomplete"
		if completed {
			state = "completed"
		}
		metrics.DayTogglesTotal.WithLabelValues(state).Inc()
	}

	c.HTML(http.StatusOK, "day.html", gin.H{
		"Habit": h,
		"Cell": grid.DayCell{
			Date:      today,
			Completed: completed,
			IsPast:    false,
			IsToday:   true,
		},
	})
}

// handleDeleteAccount 删除账号及其全部习惯与打卡历史。
func (s *Server) handleDeleteAccount(c *gin.Context) {
	userID := currentUserID(c)

	if err := s.users.Delete(c.Request.Context(), userID); err != nil {
		s.renderError(c, err, "delete account failed")
		return
	}

	if s.logger != nil {
		s.logger.Info("account deleted", slog.Uint64("user_id", uint64(userID)))
	}
	s.auth.Logout(c)
}

// quotaReached 判断用户活跃习惯数是否已达配额。
func (s *Server) quotaReached(c *gin.Context, userID uint) (bool, error) {
	user, err := s.users.Get(c.Request.Context(), userID)
	if err != nil {
		return false, err
	}
	// 配额逐用户可调，0 表示禁止创建；只有未设置（负值）才回退默认值。
	limit := user.HabitLimit
	if limit < 0 {
		limit = s.cfg.App.DefaultHabitLimit
	}

	count, err := s.habits.CountActive(c.Request.Context(), userID)
	if err != nil {
		return false, err
	}
	return count >= int64(limit), nil
}

func (s *Server) validDuration(d int) bool {
	for _, v := range s.cfg.App.HabitDurations {
		if v == d {
			return true
		}
	}
	return false
}

func (s *Server) renderNotFound(c *gin.Context) {
	c.HTML(http.StatusNotFound, "not-found.html", gin.H{})
}

func (s *Server) renderError(c *gin.Context, err error, msg string) {
	if s.logger != nil {
		s.logger.Error(msg, slog.String("error", err.Error()))
	}
	c.String(http.StatusInternalServerError, "Something went wrong. Try again.")
}
