package model

import "time"

// User 表示系统用户，以邮箱作为登录身份。
type User struct {
	ID           uint      `gorm:"primaryKey"`                    // 用户 ID
	Email        string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一）
	PasswordHash string    `gorm:"not null"`                      // bcrypt 哈希
	FirstName    string    `gorm:"type:varchar(150)"`             // 名
	LastName     string    `gorm:"type:varchar(150)"`             // 姓
	HabitLimit   int       `gorm:"default:5"`                     // 活跃习惯数量上限（可由管理员调整）
	IsActive     bool      `gorm:"default:true"`                  // 账号是否启用
	IsStaff      bool      `gorm:"default:false"`                 // 是否为管理员（可铸造注册码）
	IsSuperuser  bool      `gorm:"default:false"`                 // 是否为超级管理员
	CreatedAt    time.Time // 创建时间
	UpdatedAt    time.Time // 更新时间

	IsVerified          bool   `gorm:"default:false"` // 邮箱是否已验证
	VerifyCode          string `gorm:"type:varchar(16)"`
	VerifyCodeExpiresAt *time.Time
	VerifyCodeSentAt    *time.Time

	ResetCode          string `gorm:"type:varchar(16)"` // 密码重置码
	ResetCodeExpiresAt *time.Time
	ResetCodeSentAt    *time.Time

	Habits []Habit `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}
