package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"habitgrid/internal/model"

	"gorm.io/gorm"
)

// ErrNotFound 表示目标记录不存在（或不属于该用户、或已被软删除）。
var ErrNotFound = errors.New("record not found")

// Habits 提供习惯的持久化操作。
//
// 所有面向用户的查询都带 deleted = false 过滤；
// 软删除的行只能通过 GetAny 取回。
type Habits struct {
	db *gorm.DB
}

func NewHabits(db *gorm.DB) *Habits {
	return &Habits{db: db}
}

// CountActive 统计用户未删除的习惯数量，用于配额检查。
func (s *Habits) CountActive(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Habit{}).
		Where("user_id = ? AND deleted = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count habits: %w", err)
	}
	return count, nil
}

func (s *Habits) Create(ctx context.Context, habit *model.Habit) error {
	return s.db.WithContext(ctx).Create(habit).Error
}

// GetActive 按 (id, owner) 查找未删除的习惯。
func (s *Habits) GetActive(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
	var habit model.Habit
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", habitID, userID, false).
		First(&habit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get habit: %w", err)
	}
	return &habit, nil
}

// GetAny 按 (id, owner) 查找习惯，不过滤软删除标记。
func (s *Habits) GetAny(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
	var habit model.Habit
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", habitID, userID).
		First(&habit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get habit: %w", err)
	}
	return &habit, nil
}

// ListActive 返回用户全部未删除的习惯，最近更新的在前。
func (s *Habits) ListActive(ctx context.Context, userID uint) ([]model.Habit, error) {
	var habits []model.Habit
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("updated_at DESC").
		Find(&habits).Error
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	return habits, nil
}

// MostRecent 返回用户最近更新的未删除习惯，没有则返回 ErrNotFound。
func (s *Habits) MostRecent(ctx context.Context, userID uint) (*model.Habit, error) {
	var habit model.Habit
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("updated_at DESC").
		First(&habit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("most recent habit: %w", err)
	}
	return &habit, nil
}

// SoftDelete 标记习惯为已删除并记录时间，不移除行与打卡历史。
func (s *Habits) SoftDelete(ctx context.Context, userID uint, habitID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Habit{}).
		Where("id = ? AND user_id = ? AND deleted = ?", habitID, userID, false).
		Updates(map[string]interface{}{
			"deleted":    true,
			"deleted_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("soft delete habit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetComplete 更新习惯的窗口结束标记。
func (s *Habits) SetComplete(ctx context.Context, habitID string, complete bool) error {
	return s.db.WithContext(ctx).Model(&model.Habit{}).
		Where("id = ?", habitID).
		Update("complete", complete).Error
}

// Completions 提供打卡记录的持久化操作。
type Completions struct {
	db *gorm.DB
}

func NewCompletions(db *gorm.DB) *Completions {
	return &Completions{db: db}
}

// Toggle 切换 (habit, day) 的打卡状态，返回切换后是否为已打卡。
//
// 先尝试删除；删到行说明之前已打卡，切换为未打卡。
// 没删到则插入。(habit_id, day) 唯一索引兜底并发：
// 插入撞唯一键说明并发请求已先打卡，按已打卡返回，不重复写入。
func (s *Completions) Toggle(ctx context.Context, habitID string, day string) (bool, error) {
	completed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("habit_id = ? AND day = ?", habitID, day).Delete(&model.CompletedDay{})
		if res.Error != nil {
			return fmt.Errorf("delete completed day: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			completed = false
			return nil
		}

		err := tx.Create(&model.CompletedDay{HabitID: habitID, Day: day}).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			completed = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("create completed day: %w", err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

// Days 返回习惯全部已打卡日期的集合，键为 YYYY-MM-DD。
func (s *Completions) Days(ctx context.Context, habitID string) (map[string]bool, error) {
	var days []string
	err := s.db.WithContext(ctx).Model(&model.CompletedDay{}).
		Where("habit_id = ?", habitID).
		Pluck("day", &days).Error
	if err != nil {
		return nil, fmt.Errorf("list completed days: %w", err)
	}
	set := make(map[string]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set, nil
}

// SignupCodes 提供注册码的铸造与消费。
type SignupCodes struct {
	db *gorm.DB
}

func NewSignupCodes(db *gorm.DB) *SignupCodes {
	return &SignupCodes{db: db}
}

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Mint 铸造 n 个注册码并入库，返回明文列表。
//
// 码为随机字母数字，撞唯一索引时重新生成。
func (s *SignupCodes) Mint(ctx context.Context, n int, length int) ([]string, error) {
	if length <= 0 {
		length = 12
	}
	codes := make([]string, 0, n)
	for len(codes) < n {
		code, err := randomCode(length)
		if err != nil {
			return nil, err
		}
		err = s.db.WithContext(ctx).Create(&model.SignupCode{Code: code}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create signup code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Consume 在事务 tx 中删除注册码，保证只能使用一次。
// 码不存在时返回 ErrNotFound。
func (s *SignupCodes) Consume(tx *gorm.DB, code string) error {
	res := tx.Where("code = ?", code).Delete(&model.SignupCode{})
	if res.Error != nil {
		return fmt.Errorf("consume signup code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Users 提供账号级别的持久化操作。
type Users struct {
	db *gorm.DB
}

func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// Get 按 ID 查找用户。
func (s *Users) Get(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// Delete 删除账号并级联清理其习惯与打卡历史。
func (s *Users) Delete(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var habitIDs []string
		if err := tx.Model(&model.Habit{}).Where("user_id = ?", userID).Pluck("id", &habitIDs).Error; err != nil {
			return fmt.Errorf("list habit ids: %w", err)
		}
		if len(habitIDs) > 0 {
			if err := tx.Where("habit_id IN ?", habitIDs).Delete(&model.CompletedDay{}).Error; err != nil {
				return fmt.Errorf("delete completed days: %w", err)
			}
		}
		if err := tx.Where("user_id = ?", userID).Delete(&model.Habit{}).Error; err != nil {
			return fmt.Errorf("delete habits: %w", err)
		}
		if err := tx.Delete(&model.User{}, userID).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}
