package utils

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ValidateResourceId checks the row exists. Returns ErrorRecordNotFound if not.
func ValidateResourceId[T any](tx *gorm.DB, ctx context.Context, id interface{}) error {
	var model T
	var count int64
	if err := tx.WithContext(ctx).Model(&model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ValidateUnique returns an error when another row already holds the value.
func ValidateUnique[T any](tx *gorm.DB, ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	var model T
	var count int64
	if err := tx.WithContext(ctx).Model(&model).Where(column+" = ? AND id != ?", value, exceptId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New(column + " already exists")
	}
	return nil
}
