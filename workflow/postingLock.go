package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireEntityLock serializes workflow mutations per entity across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB connection that will run the workflow transaction.
func AcquireEntityLock(tx *gorm.DB, entityType string, entityId int) error {
	lockName := fmt.Sprintf("%s:%d", entityType, entityId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire workflow lock for %s id=%d", entityType, entityId)
	}
	return nil
}

func ReleaseEntityLock(tx *gorm.DB, entityType string, entityId int) {
	lockName := fmt.Sprintf("%s:%d", entityType, entityId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
