package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"gorm.io/gorm"
)

type DashboardHandler struct {
	db *gorm.DB
}

func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{db: db}
}

type DashboardStats struct {
    TotalVisitors       int64 `json:"total_visitors"`
    TotalGurujis        int64 `json:"total_gurujis"`
    AppointmentsToday   int64 `json:"appointments_today"`
    CheckedInToday      int64 `json:"checked_in_today"`
    CompletedToday      int64 `json:"completed_today"`
    CancelledToday      int64 `json:"cancelled_today"`
    NoShowsToday        int64 `json:"no_shows_today"`
    WaitingNow          int64 `json:"waiting_now"`
    ActiveConsultations int64 `json:"active_consultations"`
    RemediesToday       int64 `json:"remedies_today"`
}

// RegisterRoutes registers dashboard-related routes with Gorilla Mux
func (h *DashboardHandler) RegisterRoutes(router *mux.Router) {
    dashboardRouter := router.PathPrefix("/dashboard").Subrouter()
    dashboardRouter.HandleFunc("/stats", utils.AuthMiddleware(utils.RequireRoles(h.GetDashboardStats, models.RoleAdmin, models.RoleCoordinator))).Methods("GET")
    dashboardRouter.HandleFunc("/guruji", utils.AuthMiddleware(utils.RequireRoles(h.GetGurujiDashboard, models.RoleGuruji))).Methods("GET")
}

// GetDashboardStats gives the coordinator desk its morning numbers
func (h *DashboardHandler) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
    var stats DashboardStats
    today := dateOnly(time.Now())

    h.db.Model(&models.User{}).Where("role = ?", models.RoleUser).Count(&stats.TotalVisitors)
    h.db.Model(&models.GurujiProfile{}).Where("active = ?", true).Count(&stats.TotalGurujis)

    h.db.Model(&models.Appointment{}).Where("appointment_date = ?", today).Count(&stats.AppointmentsToday)
    h.db.Model(&models.Appointment{}).Where("appointment_date = ? AND status = ?", today, models.AppointmentCheckedIn).Count(&stats.CheckedInToday)
    h.db.Model(&models.Appointment{}).Where("appointment_date = ? AND status = ?", today, models.AppointmentCompleted).Count(&stats.CompletedToday)
    h.db.Model(&models.Appointment{}).Where("appointment_date = ? AND status = ?", today, models.AppointmentCancelled).Count(&stats.CancelledToday)
    h.db.Model(&models.Appointment{}).Where("appointment_date = ? AND status = ?", today, models.AppointmentNoShow).Count(&stats.NoShowsToday)

    h.db.Model(&models.QueueEntry{}).Where("queue_date = ? AND status = ?", today, models.QueueWaiting).Count(&stats.WaitingNow)
    h.db.Model(&models.ConsultationSession{}).Where("ended_at IS NULL").Count(&stats.ActiveConsultations)
    h.db.Model(&models.RemedyDocument{}).Where("created_at >= ?", today).Count(&stats.RemediesToday)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(stats)
}

// GetGurujiDashboard summarises the guruji's own day: appointments,
// who is waiting, who is next and whether a session is running.
func (h *DashboardHandler) GetGurujiDashboard(w http.ResponseWriter, r *http.Request) {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    var profile models.GurujiProfile
    if err := h.db.Where("user_id = ?", callerID).First(&profile).Error; err != nil {
        utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
        return
    }

    today := dateOnly(time.Now())

    var appointmentsToday, completedToday, waiting int64
    h.db.Model(&models.Appointment{}).Where("guruji_id = ? AND appointment_date = ?", profile.ID, today).Count(&appointmentsToday)
    h.db.Model(&models.Appointment{}).Where("guruji_id = ? AND appointment_date = ? AND status = ?", profile.ID, today, models.AppointmentCompleted).Count(&completedToday)
    h.db.Model(&models.QueueEntry{}).Where("guruji_id = ? AND queue_date = ? AND status = ?", profile.ID, today, models.QueueWaiting).Count(&waiting)

    var nextEntry *models.QueueEntry
    var candidate models.QueueEntry
    if err := h.db.Where("guruji_id = ? AND queue_date = ? AND status = ?", profile.ID, today, models.QueueWaiting).
        Preload("User").Order("position").First(&candidate).Error; err == nil {
        nextEntry = &candidate
    }

    var activeSession *models.ConsultationSession
    var session models.ConsultationSession
    if err := h.db.Where("guruji_id = ? AND ended_at IS NULL", profile.ID).
        Preload("User").First(&session).Error; err == nil {
        activeSession = &session
    }

    var remediesToday int64
    h.db.Model(&models.RemedyDocument{}).Where("guruji_id = ? AND created_at >= ?", profile.ID, today).Count(&remediesToday)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "guruji_id":          profile.ID,
        "appointments_today": appointmentsToday,
        "completed_today":    completedToday,
        "waiting":            waiting,
        "next_visitor":       nextEntry,
        "active_session":     activeSession,
        "remedies_today":     remediesToday,
    })
}

func dateOnly(t time.Time) time.Time {
    return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
