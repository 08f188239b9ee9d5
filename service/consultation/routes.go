package consultation

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
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/queue"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

type ConsultationHandler struct {
    db       *gorm.DB
    hub      *ws.Hub
    notifier *notification.Notifier
}

func NewConsultationHandler(db *gorm.DB, hub *ws.Hub, notifier *notification.Notifier) *ConsultationHandler {
    return &ConsultationHandler{db: db, hub: hub, notifier: notifier}
}


func (h *ConsultationHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/consultations/start", utils.AuthMiddleware(utils.RequireRoles(h.StartConsultation, models.RoleGuruji, models.RoleCoordinator, models.RoleAdmin))).Methods("POST")
    router.HandleFunc("/consultations/me", utils.AuthMiddleware(h.GetMyConsultations)).Methods("GET")
    router.HandleFunc("/consultations", utils.AuthMiddleware(utils.RequireRoles(h.GetConsultations, models.RoleGuruji, models.RoleCoordinator, models.RoleAdmin))).Methods("GET")
    router.HandleFunc("/consultations/{id:[0-9]+}", utils.AuthMiddleware(h.GetConsultation)).Methods("GET")
    router.HandleFunc("/consultations/{id:[0-9]+}/end", utils.AuthMiddleware(h.EndConsultation)).Methods("POST")
}


// StartConsultation calls a visitor in. With no queue_entry_id the
// lowest waiting position is called next. A guruji can only hold one
// session at a time, the check and the writes share a transaction.
func (h *ConsultationHandler) StartConsultation(w http.ResponseWriter, r *http.Request) {
    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var startRequest struct {
        QueueEntryID uint `json:"queue_entry_id"`
        GurujiID     uint `json:"guruji_id"`
    }
    if r.Body != nil {
        json.NewDecoder(r.Body).Decode(&startRequest)
    }

    tx := h.db.Begin()

    var entry models.QueueEntry
    if startRequest.QueueEntryID != 0 {
        if err := tx.First(&entry, startRequest.QueueEntryID).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "Queue entry not found", http.StatusNotFound)
            return
        }
    } else {
        gurujiID := startRequest.GurujiID
        if role == models.RoleGuruji {
            var profile models.GurujiProfile
            if err := tx.Where("user_id = ?", callerID).First(&profile).Error; err != nil {
                tx.Rollback()
                utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
                return
            }
            gurujiID = profile.ID
        }
        if gurujiID == 0 {
            tx.Rollback()
            utils.WriteError(w, "guruji_id is required", http.StatusBadRequest)
            return
        }
        if err := tx.Where("guruji_id = ? AND queue_date = ? AND status = ?",
            gurujiID, dateOnly(time.Now()), models.QueueWaiting).
            Order("position").First(&entry).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "No visitors waiting in the queue", http.StatusNotFound)
            return
        }
    }

    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := tx.First(&profile, entry.GurujiID).Error; err != nil || profile.UserID != callerID {
            tx.Rollback()
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    }

    if entry.Status != models.QueueWaiting {
        tx.Rollback()
        utils.WriteError(w, fmt.Sprintf("Visitor is not waiting, entry is %s", entry.Status), http.StatusConflict)
        return
    }

    // One visitor in the hall at a time
    var active models.ConsultationSession
    if err := tx.Where("guruji_id = ? AND ended_at IS NULL", entry.GurujiID).First(&active).Error; err == nil {
        tx.Rollback()
        utils.WriteError(w, "A consultation is already in progress", http.StatusConflict)
        return
    }

    var appointment models.Appointment
    if err := tx.First(&appointment, entry.AppointmentID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }
    if !appointment.Status.CanTransitionTo(models.AppointmentInProgress) {
        tx.Rollback()
        utils.WriteError(w, fmt.Sprintf("Appointment is %s, cannot start consultation", appointment.Status), http.StatusConflict)
        return
    }
    appointment.Status = models.AppointmentInProgress
    if err := tx.Save(&appointment).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        return
    }

    now := time.Now()
    entry.Status = models.QueueInProgress
    entry.StartedAt = &now
    if err := tx.Save(&entry).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error updating queue entry", http.StatusInternalServerError)
        return
    }

    session := models.ConsultationSession{
        AppointmentID: appointment.ID,
        QueueEntryID:  entry.ID,
        GurujiID:      entry.GurujiID,
        UserID:        entry.UserID,
        StartedAt:     now,
    }
    if err := tx.Create(&session).Error; err != nil {
        tx.Rollback()
        // The partial unique index catches a second start racing past
        // the active-session read above
        if isDuplicateErr(err) {
            utils.WriteError(w, "A consultation is already in progress", http.StatusConflict)
            return
        }
        utils.WriteError(w, "Error starting consultation", http.StatusInternalServerError)
        return
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error starting consultation", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "consultation.started", "consultation", session.ID,
        fmt.Sprintf("appointment %s", appointment.Code))
    queue.InvalidateBoard(entry.GurujiID, entry.QueueDate)

    event := ws.NewEvent(ws.EventConsultationStarted, map[string]interface{}{
        "session_id": session.ID,
        "entry_id":   entry.ID,
        "guruji_id":  entry.GurujiID,
        "user_id":    entry.UserID,
        "position":   entry.Position,
    })
    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", entry.GurujiID), event)
    h.hub.BroadcastToUser(entry.UserID, event)

    h.notifier.Notify(entry.UserID, models.NotificationConsultation,
        "It is your turn",
        "Please proceed to the consultation hall",
        map[string]interface{}{"session_id": session.ID})

    h.db.Preload("User").Preload("Appointment").First(&session, session.ID)

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(session)
}


// EndConsultation closes the active session and records the guruji's
// notes. The queue entry and the appointment complete with it.
func (h *ConsultationHandler) EndConsultation(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    sessionID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid consultation ID", http.StatusBadRequest)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var endRequest struct {
        Notes string `json:"notes"`
    }
    if r.Body != nil {
        json.NewDecoder(r.Body).Decode(&endRequest)
    }

    tx := h.db.Begin()

    var session models.ConsultationSession
    if err := tx.First(&session, sessionID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Consultation not found", http.StatusNotFound)
        return
    }

    if !session.Active() {
        tx.Rollback()
        utils.WriteError(w, "Consultation has already ended", http.StatusConflict)
        return
    }

    if role != models.RoleAdmin {
        var profile models.GurujiProfile
        if err := tx.First(&profile, session.GurujiID).Error; err != nil || profile.UserID != callerID {
            tx.Rollback()
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    }

    now := time.Now()
    session.EndedAt = &now
    session.Notes = endRequest.Notes
    if err := tx.Save(&session).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error ending consultation", http.StatusInternalServerError)
        return
    }

    var entry models.QueueEntry
    if err := tx.First(&entry, session.QueueEntryID).Error; err == nil {
        entry.Status = models.QueueCompleted
        entry.CompletedAt = &now
        if err := tx.Save(&entry).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "Error updating queue entry", http.StatusInternalServerError)
            return
        }
    }

    var appointment models.Appointment
    if err := tx.First(&appointment, session.AppointmentID).Error; err == nil {
        if appointment.Status.CanTransitionTo(models.AppointmentCompleted) {
            appointment.Status = models.AppointmentCompleted
            if err := tx.Save(&appointment).Error; err != nil {
                tx.Rollback()
                utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
                return
            }
        }
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error ending consultation", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "consultation.ended", "consultation", session.ID, "")
    queue.InvalidateBoard(session.GurujiID, dateOnly(session.StartedAt))

    event := ws.NewEvent(ws.EventConsultationEnded, map[string]interface{}{
        "session_id": session.ID,
        "guruji_id":  session.GurujiID,
        "user_id":    session.UserID,
    })
    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", session.GurujiID), event)
    h.hub.BroadcastToUser(session.UserID, event)

    h.notifier.Notify(session.UserID, models.NotificationConsultation,
        "Consultation complete",
        "Thank you for your visit",
        map[string]interface{}{"session_id": session.ID})

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(session)
}


// GetConsultation returns one session. Notes stay between the guruji
// who wrote them and admins.
func (h *ConsultationHandler) GetConsultation(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    sessionID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid consultation ID", http.StatusBadRequest)
        return
    }

    var session models.ConsultationSession
    if err := h.db.Preload("User").Preload("Appointment").First(&session, sessionID).Error; err != nil {
        utils.WriteError(w, "Consultation not found", http.StatusNotFound)
        return
    }

    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }
    role, _ := utils.GetRoleFromContext(r)

    ownsProfile := false
    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := h.db.First(&profile, session.GurujiID).Error; err == nil {
            ownsProfile = profile.UserID == callerID
        }
    }

    if session.UserID != callerID && !ownsProfile && role != models.RoleAdmin && role != models.RoleCoordinator {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    if !canViewNotes(role, ownsProfile) {
        session.Notes = ""
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(session)
}

// GetConsultations lists sessions for staff and gurujis
func (h *ConsultationHandler) GetConsultations(w http.ResponseWriter, r *http.Request) {
    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 20

    query := h.db.Model(&models.ConsultationSession{}).Preload("User").Preload("Appointment")

    ownsAll := false
    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := h.db.Where("user_id = ?", callerID).First(&profile).Error; err != nil {
            utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
            return
        }
        query = query.Where("guruji_id = ?", profile.ID)
        ownsAll = true
    } else if gurujiID := r.URL.Query().Get("guruji_id"); gurujiID != "" {
        query = query.Where("guruji_id = ?", gurujiID)
    }

    if date := r.URL.Query().Get("date"); date != "" {
        dayStart, err := time.Parse("2006-01-02", date)
        if err != nil {
            utils.WriteError(w, "Invalid date format. Use YYYY-MM-DD", http.StatusBadRequest)
            return
        }
        query = query.Where("started_at >= ? AND started_at < ?", dayStart, dayStart.AddDate(0, 0, 1))
    }
    if r.URL.Query().Get("active") == "true" {
        query = query.Where("ended_at IS NULL")
    }

    var total int64
    query.Count(&total)

    var sessions []models.ConsultationSession
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("started_at DESC").Find(&sessions).Error; err != nil {
        utils.WriteError(w, "Error retrieving consultations", http.StatusInternalServerError)
        return
    }

    if !canViewNotes(role, ownsAll) {
        for i := range sessions {
            sessions[i].Notes = ""
        }
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "consultations": sessions,
        "total":         total,
        "page":          page,
        "page_size":     pageSize,
        "total_pages":   (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

// GetMyConsultations lists the caller's own visit history, without
// the guruji's notes
func (h *ConsultationHandler) GetMyConsultations(w http.ResponseWriter, r *http.Request) {
    userID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 20

    query := h.db.Model(&models.ConsultationSession{}).Where("user_id = ?", userID).Preload("Appointment")

    var total int64
    query.Count(&total)

    var sessions []models.ConsultationSession
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("started_at DESC").Find(&sessions).Error; err != nil {
        utils.WriteError(w, "Error retrieving consultations", http.StatusInternalServerError)
        return
    }

    for i := range sessions {
        sessions[i].Notes = ""
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "consultations": sessions,
        "total":         total,
        "page":          page,
        "page_size":     pageSize,
        "total_pages":   (total + int64(pageSize) - 1) / int64(pageSize),
    })
}


func canViewNotes(role string, ownsProfile bool) bool {
    return role == models.RoleAdmin || ownsProfile
}

func isDuplicateErr(err error) bool {
    if err == nil {
        return false
    }
    msg := err.Error()
    return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

func dateOnly(t time.Time) time.Time {
    return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
