package utils

import (
	"strconv"

	"github.com/shantivan/ashram-server/cmd/models"
	"gorm.io/gorm"
)

// SettingInt reads a numeric system setting, falling back when the row
// is missing or malformed.
func SettingInt(db *gorm.DB, key string, fallback int) int {
    var setting models.SystemSetting
    if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
        return fallback
    }
    value, err := strconv.Atoi(setting.Value)
    if err != nil || value <= 0 {
        return fallback
    }
    return value
}

// SettingString reads a text system setting with a fallback.
func SettingString(db *gorm.DB, key string, fallback string) string {
    var setting models.SystemSetting
    if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
        return fallback
    }
    if setting.Value == "" {
        return fallback
    }
    return setting.Value
}
