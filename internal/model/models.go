package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Durations 是习惯允许的追踪周期（天数）枚举，配置缺省时使用。
var Durations = []int{7, 14, 30, 60, 120, 365}

// Habit 表示一个用户追踪的习惯。
//
// 使用 UUID 作为主键，避免详情页 URL 可被遍历。
// 删除采用软删除：Deleted 置位并记录 DeletedAt，行与打卡历史保留。
type Habit struct {
	ID        string    `gorm:"type:char(36);primaryKey"` // 习惯唯一标识 (UUID)
	CreatedAt time.Time // 创建时间（网格从这一天开始）
	UpdatedAt time.Time // 更新时间

	UserID uint   `gorm:"not null;index"`    // 所属用户 ID
	User   User   `gorm:"foreignKey:UserID"` // 所属用户
	Name   string `gorm:"type:varchar(50);not null"`

	Duration int  `gorm:"not null"`      // 追踪周期（天），取值见 Durations
	Complete bool `gorm:"default:false"` // 追踪窗口是否已全部结束

	Deleted   bool       `gorm:"default:false;index"` // 软删除标记
	DeletedAt *time.Time // 软删除时间

	CompletedDays []CompletedDay `gorm:"foreignKey:HabitID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate 在插入前补齐 UUID 主键。
func (h *Habit) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return nil
}

// CompletedDay 记录某个习惯在某一天已打卡。
//
// (habit_id, day) 上有唯一索引，保证同一天至多一条记录，
// 打卡切换依赖该约束保持并发安全。
type CompletedDay struct {
	ID        uint      `gorm:"primaryKey"`
	HabitID   string    `gorm:"type:char(36);not null;index:idx_completed_day,unique"`
	Day       string    `gorm:"type:varchar(10);not null;index:idx_completed_day,unique"` // 日期，格式 YYYY-MM-DD
	CreatedAt time.Time // 打卡时间
}

// SignupCode 是注册所需的一次性邀请码。
//
// 由管理员提前铸造，注册成功时整行删除，保证只能使用一次。
type SignupCode struct {
	ID        uint      `gorm:"primaryKey"`
	Code      string    `gorm:"type:varchar(16);uniqueIndex;not null"` // 12 位随机字母数字
	CreatedAt time.Time // 铸造时间
}
