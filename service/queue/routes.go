package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"github.com/shantivan/ashram-server/db"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

const boardCacheTTL = 30 * time.Second

type QueueHandler struct {
    db       *gorm.DB
    hub      *ws.Hub
    notifier *notification.Notifier
}

func NewQueueHandler(db *gorm.DB, hub *ws.Hub, notifier *notification.Notifier) *QueueHandler {
    return &QueueHandler{db: db, hub: hub, notifier: notifier}
}


func (h *QueueHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/queue/check-in", utils.AuthMiddleware(utils.RequireRoles(h.CheckIn, models.RoleAdmin, models.RoleCoordinator))).Methods("POST")
    router.HandleFunc("/queue/me", utils.AuthMiddleware(h.GetMyQueueStatus)).Methods("GET")
    router.HandleFunc("/queue/guruji/{gurujiId}", utils.AuthMiddleware(h.GetQueueBoard)).Methods("GET")
    router.HandleFunc("/queue/{id:[0-9]+}/skip", utils.AuthMiddleware(h.SkipEntry)).Methods("PATCH")
    router.HandleFunc("/queue/{id:[0-9]+}/requeue", utils.AuthMiddleware(h.RequeueEntry)).Methods("PATCH")
}


// BoardCacheKey names the cached queue board for one guruji and day
func BoardCacheKey(gurujiID uint, date time.Time) string {
    return fmt.Sprintf("queue:board:%d:%s", gurujiID, date.Format("2006-01-02"))
}

// InvalidateBoard drops the cached board after any queue write
func InvalidateBoard(gurujiID uint, date time.Time) {
    db.DelRedis(BoardCacheKey(gurujiID, date))
}


// CheckIn places a confirmed appointment into today's queue. The
// position is MAX+1 for the guruji's day, assigned inside the
// transaction, and never changes afterwards.
func (h *QueueHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
    callerID, _ := utils.GetUserIDFromContext(r)

    var checkInRequest struct {
        AppointmentID uint   `json:"appointment_id"`
        Code          string `json:"code"`
    }
    if err := json.NewDecoder(r.Body).Decode(&checkInRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }
    if checkInRequest.AppointmentID == 0 && checkInRequest.Code == "" {
        utils.WriteError(w, "appointment_id or code is required", http.StatusBadRequest)
        return
    }

    tx := h.db.Begin()

    var appointment models.Appointment
    var err error
    if checkInRequest.Code != "" {
        err = tx.Where("code = ?", checkInRequest.Code).First(&appointment).Error
    } else {
        err = tx.First(&appointment, checkInRequest.AppointmentID).Error
    }
    if err != nil {
        tx.Rollback()
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    today := time.Now().Format("2006-01-02")
    if appointment.AppointmentDate.Format("2006-01-02") != today {
        tx.Rollback()
        utils.WriteError(w, "Appointment is not scheduled for today", http.StatusConflict)
        return
    }

    if !appointment.Status.CanTransitionTo(models.AppointmentCheckedIn) {
        tx.Rollback()
        utils.WriteError(w, fmt.Sprintf("Only confirmed appointments can be checked in, this one is %s", appointment.Status), http.StatusConflict)
        return
    }

    var existingEntry models.QueueEntry
    if err := tx.Where("appointment_id = ?", appointment.ID).First(&existingEntry).Error; err == nil {
        tx.Rollback()
        utils.WriteError(w, "Visitor is already in the queue", http.StatusConflict)
        return
    }

    queueDate := dateOnly(appointment.AppointmentDate)

    // Queue size limit, zero means unlimited
    if limit := utils.SettingInt(tx, models.SettingQueueSizeLimit, 0); limit > 0 {
        var open int64
        if err := tx.Model(&models.QueueEntry{}).
            Where("guruji_id = ? AND queue_date = ? AND status IN ?",
                appointment.GurujiID, queueDate, []models.QueueStatus{models.QueueWaiting, models.QueueInProgress}).
            Count(&open).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "Database error", http.StatusInternalServerError)
            return
        }
        if open >= int64(limit) {
            tx.Rollback()
            utils.WriteError(w, "Queue is full for today", http.StatusConflict)
            return
        }
    }

    var maxPosition int
    if err := tx.Model(&models.QueueEntry{}).
        Where("guruji_id = ? AND queue_date = ?", appointment.GurujiID, queueDate).
        Select("COALESCE(MAX(position), 0)").Scan(&maxPosition).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Database error", http.StatusInternalServerError)
        return
    }

    appointment.Status = models.AppointmentCheckedIn
    if err := tx.Save(&appointment).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        return
    }

    entry := models.QueueEntry{
        AppointmentID: appointment.ID,
        UserID:        appointment.UserID,
        GurujiID:      appointment.GurujiID,
        QueueDate:     queueDate,
        Position:      maxPosition + 1,
        Status:        models.QueueWaiting,
        CheckedInAt:   time.Now(),
    }

    if err := tx.Create(&entry).Error; err != nil {
        tx.Rollback()
        // The unique index on (guruji, day, position) catches two
        // coordinators checking in at the same instant
        if isDuplicateErr(err) {
            utils.WriteError(w, "Check-in conflict, please retry", http.StatusConflict)
            return
        }
        utils.WriteError(w, "Error joining queue", http.StatusInternalServerError)
        return
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error completing check-in", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "queue.checked_in", "queue_entry", entry.ID,
        fmt.Sprintf("appointment %s position %d", appointment.Code, entry.Position))
    InvalidateBoard(entry.GurujiID, entry.QueueDate)

    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", entry.GurujiID),
        ws.NewEvent(ws.EventPatientCheckedIn, map[string]interface{}{
            "entry_id":  entry.ID,
            "guruji_id": entry.GurujiID,
            "position":  entry.Position,
            "user_id":   entry.UserID,
        }))
    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", entry.GurujiID),
        ws.NewEvent(ws.EventQueueUpdated, map[string]interface{}{
            "guruji_id": entry.GurujiID,
            "entry_id":  entry.ID,
            "status":    entry.Status,
        }))
    h.hub.BroadcastToUser(entry.UserID,
        ws.NewEvent(ws.EventQueuePosition, map[string]interface{}{
            "entry_id":  entry.ID,
            "guruji_id": entry.GurujiID,
            "position":  entry.Position,
        }))

    h.notifier.Notify(entry.UserID, models.NotificationQueue,
        "Checked in",
        fmt.Sprintf("You are number %d in the queue", entry.Position),
        map[string]interface{}{"entry_id": entry.ID, "position": entry.Position})

    h.db.Preload("User").Preload("Appointment").First(&entry, entry.ID)

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(entry)
}


// GetQueueBoard returns a guruji's queue for a day, cached briefly so
// hall displays polling it do not hammer the database.
func (h *QueueHandler) GetQueueBoard(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    boardDate := time.Now()
    if dateParam := r.URL.Query().Get("date"); dateParam != "" {
        parsed, err := time.Parse("2006-01-02", dateParam)
        if err != nil {
            utils.WriteError(w, "Invalid date format. Use YYYY-MM-DD", http.StatusBadRequest)
            return
        }
        boardDate = parsed
    }
    queueDate := dateOnly(boardDate)

    cacheKey := BoardCacheKey(uint(gurujiID), queueDate)
    if cached, err := db.GetRedis(cacheKey); err == nil {
        w.Header().Set("Content-Type", "application/json")
        w.Write([]byte(cached))
        return
    }

    var entries []models.QueueEntry
    if err := h.db.Where("guruji_id = ? AND queue_date = ?", gurujiID, queueDate).
        Preload("User").Preload("Appointment").
        Order("position").Find(&entries).Error; err != nil {
        utils.WriteError(w, "Error retrieving queue", http.StatusInternalServerError)
        return
    }

    var waiting, inProgress, completed, skipped int
    for _, entry := range entries {
        switch entry.Status {
        case models.QueueWaiting:
            waiting++
        case models.QueueInProgress:
            inProgress++
        case models.QueueCompleted:
            completed++
        case models.QueueSkipped:
            skipped++
        }
    }

    board := map[string]interface{}{
        "guruji_id":   gurujiID,
        "date":        queueDate.Format("2006-01-02"),
        "entries":     entries,
        "waiting":     waiting,
        "in_progress": inProgress,
        "completed":   completed,
        "skipped":     skipped,
    }

    payload, err := json.Marshal(board)
    if err != nil {
        utils.WriteError(w, "Error encoding queue", http.StatusInternalServerError)
        return
    }
    db.SetRedis(cacheKey, payload, boardCacheTTL)

    w.Header().Set("Content-Type", "application/json")
    w.Write(payload)
}

// GetMyQueueStatus tells the visitor where they stand today
func (h *QueueHandler) GetMyQueueStatus(w http.ResponseWriter, r *http.Request) {
    userID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    queueDate := dateOnly(time.Now())

    var entry models.QueueEntry
    if err := h.db.Where("user_id = ? AND queue_date = ? AND status IN ?",
        userID, queueDate, []models.QueueStatus{models.QueueWaiting, models.QueueInProgress}).
        Preload("Appointment").First(&entry).Error; err != nil {
        utils.WriteError(w, "You are not in any queue today", http.StatusNotFound)
        return
    }

    var ahead int64
    h.db.Model(&models.QueueEntry{}).
        Where("guruji_id = ? AND queue_date = ? AND status = ? AND position < ?",
            entry.GurujiID, entry.QueueDate, models.QueueWaiting, entry.Position).
        Count(&ahead)

    slotMinutes := utils.SettingInt(h.db, models.SettingConsultationMinutes, 15)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "entry":                  entry,
        "ahead":                  ahead,
        "estimated_wait_minutes": ahead * int64(slotMinutes),
    })
}


// SkipEntry marks a waiting visitor as skipped when they miss their
// call. Their position is kept, a requeue puts them straight back.
func (h *QueueHandler) SkipEntry(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    entryID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid queue entry ID", http.StatusBadRequest)
        return
    }

    var entry models.QueueEntry
    if err := h.db.First(&entry, entryID).Error; err != nil {
        utils.WriteError(w, "Queue entry not found", http.StatusNotFound)
        return
    }

    if !h.canManageQueue(r, entry.GurujiID) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    if entry.Status != models.QueueWaiting {
        utils.WriteError(w, fmt.Sprintf("Only waiting entries can be skipped, this one is %s", entry.Status), http.StatusConflict)
        return
    }

    entry.Status = models.QueueSkipped
    if err := h.db.Save(&entry).Error; err != nil {
        utils.WriteError(w, "Error updating queue entry", http.StatusInternalServerError)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    utils.RecordAudit(h.db, callerID, "queue.skipped", "queue_entry", entry.ID, "")
    InvalidateBoard(entry.GurujiID, entry.QueueDate)

    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", entry.GurujiID),
        ws.NewEvent(ws.EventQueueUpdated, map[string]interface{}{
            "guruji_id": entry.GurujiID,
            "entry_id":  entry.ID,
            "status":    entry.Status,
        }))

    h.notifier.Notify(entry.UserID, models.NotificationQueue,
        "Queue update",
        "You were skipped in the queue. Please see the coordinator to rejoin.",
        map[string]interface{}{"entry_id": entry.ID})

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(entry)
}

// RequeueEntry returns a skipped visitor to the waiting list at their
// original position
func (h *QueueHandler) RequeueEntry(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    entryID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid queue entry ID", http.StatusBadRequest)
        return
    }

    var entry models.QueueEntry
    if err := h.db.First(&entry, entryID).Error; err != nil {
        utils.WriteError(w, "Queue entry not found", http.StatusNotFound)
        return
    }

    if !h.canManageQueue(r, entry.GurujiID) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    if entry.Status != models.QueueSkipped {
        utils.WriteError(w, fmt.Sprintf("Only skipped entries can be requeued, this one is %s", entry.Status), http.StatusConflict)
        return
    }

    entry.Status = models.QueueWaiting
    if err := h.db.Save(&entry).Error; err != nil {
        utils.WriteError(w, "Error updating queue entry", http.StatusInternalServerError)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    utils.RecordAudit(h.db, callerID, "queue.requeued", "queue_entry", entry.ID, "")
    InvalidateBoard(entry.GurujiID, entry.QueueDate)

    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", entry.GurujiID),
        ws.NewEvent(ws.EventQueueUpdated, map[string]interface{}{
            "guruji_id": entry.GurujiID,
            "entry_id":  entry.ID,
            "status":    entry.Status,
        }))

    h.notifier.Notify(entry.UserID, models.NotificationQueue,
        "Back in the queue",
        fmt.Sprintf("You are back in the queue at position %d", entry.Position),
        map[string]interface{}{"entry_id": entry.ID, "position": entry.Position})

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(entry)
}


// canManageQueue allows staff and the guruji whose queue it is
func (h *QueueHandler) canManageQueue(r *http.Request, gurujiID uint) bool {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        return false
    }
    role, _ := utils.GetRoleFromContext(r)
    if role == models.RoleAdmin || role == models.RoleCoordinator {
        return true
    }
    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := h.db.First(&profile, gurujiID).Error; err == nil {
            return profile.UserID == callerID
        }
    }
    return false
}

func dateOnly(t time.Time) time.Time {
    return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isDuplicateErr(err error) bool {
    if err == nil {
        return false
    }
    msg := err.Error()
    return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
