package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// UserPermission grants one action (e.g. "pr:approve") to one user. Seeded by
// the identity sync job; this core only reads it.
type UserPermission struct {
	ID        int       `gorm:"primary_key" json:"id"`
	UserId    int       `gorm:"not null;index:uniq_user_action,unique" json:"user_id"`
	Action    string    `gorm:"size:100;not null;index:uniq_user_action,unique" json:"action"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func UserHasPermission(tx *gorm.DB, ctx context.Context, userId int, action string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&UserPermission{}).
		Where("user_id = ? AND action = ?", userId, action).
		Count(&count).Error
	return count > 0, err
}
