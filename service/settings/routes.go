package settings

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"gorm.io/gorm"
)

type SettingsHandler struct {
	db *gorm.DB
}

func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// defaults seeds the known settings. Unknown keys are rejected on
// write so a typo cannot create a setting nothing reads.
var defaults = []models.SystemSetting{
    {Key: models.SettingAshramName, Value: "Shanti Van Ashram", Description: "Name printed on documents and boards"},
    {Key: models.SettingConsultationMinutes, Value: "15", Description: "Average consultation length used for slots and wait estimates"},
    {Key: models.SettingBookingWindowDays, Value: "30", Description: "How many days ahead visitors can book"},
    {Key: models.SettingQueueSizeLimit, Value: "0", Description: "Maximum open queue entries per guruji per day, 0 for unlimited"},
    {Key: models.SettingReminderHour, Value: "18", Description: "Hour of day the next-day reminders go out"},
}

// numeric settings get their values checked on write
var numericSettings = map[string]bool{
    models.SettingConsultationMinutes: true,
    models.SettingBookingWindowDays:   true,
    models.SettingQueueSizeLimit:      true,
    models.SettingReminderHour:        true,
}

// EnsureDefaults inserts any missing settings rows. Existing values
// are left alone.
func EnsureDefaults(db *gorm.DB) error {
    for _, setting := range defaults {
        var existing models.SystemSetting
        if err := db.Where("key = ?", setting.Key).First(&existing).Error; err != nil {
            if err := db.Create(&setting).Error; err != nil {
                return fmt.Errorf("failed to seed setting %s: %v", setting.Key, err)
            }
        }
    }
    return nil
}


func (h *SettingsHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/settings", utils.AuthMiddleware(h.GetSettings)).Methods("GET")
    router.HandleFunc("/settings/{key}", utils.AuthMiddleware(utils.RequireRoles(h.UpdateSetting, models.RoleAdmin))).Methods("PUT")
    router.HandleFunc("/audit-logs", utils.AuthMiddleware(utils.RequireRoles(h.GetAuditLogs, models.RoleAdmin))).Methods("GET")
}

func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
    var settings []models.SystemSetting
    if err := h.db.Order("key").Find(&settings).Error; err != nil {
        utils.WriteError(w, "Error retrieving settings", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "settings": settings,
    })
}

func (h *SettingsHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    key := vars["key"]

    known := false
    for _, setting := range defaults {
        if setting.Key == key {
            known = true
            break
        }
    }
    if !known {
        utils.WriteError(w, "Unknown setting", http.StatusNotFound)
        return
    }

    var updateRequest struct {
        Value string `json:"value"`
    }
    if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }
    if updateRequest.Value == "" {
        utils.WriteError(w, "Value is required", http.StatusBadRequest)
        return
    }

    if numericSettings[key] {
        value, err := strconv.Atoi(updateRequest.Value)
        if err != nil || value < 0 {
            utils.WriteError(w, "Value must be a non-negative number", http.StatusBadRequest)
            return
        }
        if key == models.SettingReminderHour && value > 23 {
            utils.WriteError(w, "Reminder hour must be between 0 and 23", http.StatusBadRequest)
            return
        }
    }

    var setting models.SystemSetting
    if err := h.db.Where("key = ?", key).First(&setting).Error; err != nil {
        utils.WriteError(w, "Setting not found", http.StatusNotFound)
        return
    }

    setting.Value = updateRequest.Value
    if err := h.db.Save(&setting).Error; err != nil {
        utils.WriteError(w, "Error updating setting", http.StatusInternalServerError)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    utils.RecordAudit(h.db, callerID, "settings.updated", "system_setting", setting.ID,
        fmt.Sprintf("%s = %s", key, setting.Value))

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(setting)
}

// GetAuditLogs pages through the audit trail, newest first
func (h *SettingsHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 50

    query := h.db.Model(&models.AuditLog{})

    if action := r.URL.Query().Get("action"); action != "" {
        query = query.Where("action = ?", action)
    }
    if entity := r.URL.Query().Get("entity"); entity != "" {
        query = query.Where("entity = ?", entity)
    }
    if actorID := r.URL.Query().Get("actor_id"); actorID != "" {
        query = query.Where("actor_id = ?", actorID)
    }

    var total int64
    query.Count(&total)

    var logs []models.AuditLog
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("created_at DESC").Find(&logs).Error; err != nil {
        utils.WriteError(w, "Error retrieving audit logs", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "logs":        logs,
        "total":       total,
        "page":        page,
        "page_size":   pageSize,
        "total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
    })
}
