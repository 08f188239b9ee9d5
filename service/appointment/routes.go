package appointment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

type AppointmentHandler struct {
    db       *gorm.DB
    hub      *ws.Hub
    notifier *notification.Notifier
}

func NewAppointmentHandler(db *gorm.DB, hub *ws.Hub, notifier *notification.Notifier) *AppointmentHandler {
    return &AppointmentHandler{db: db, hub: hub, notifier: notifier}
}


func (h *AppointmentHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/appointments/book", utils.AuthMiddleware(h.BookAppointment)).Methods("POST")
    router.HandleFunc("/appointments", utils.AuthMiddleware(utils.RequireRoles(h.GetAllAppointments, models.RoleAdmin, models.RoleCoordinator))).Methods("GET")
    router.HandleFunc("/appointments/code/{code}", utils.AuthMiddleware(utils.RequireRoles(h.GetAppointmentByCode, models.RoleAdmin, models.RoleCoordinator))).Methods("GET")
    router.HandleFunc("/appointments/{id:[0-9]+}", utils.AuthMiddleware(h.GetAppointment)).Methods("GET")
    router.HandleFunc("/appointments/{id:[0-9]+}/confirm", utils.AuthMiddleware(utils.RequireRoles(h.ConfirmAppointment, models.RoleAdmin, models.RoleCoordinator))).Methods("PATCH")
    router.HandleFunc("/appointments/{id:[0-9]+}/cancel", utils.AuthMiddleware(h.CancelAppointment)).Methods("PATCH")
    router.HandleFunc("/appointments/{id:[0-9]+}/no-show", utils.AuthMiddleware(utils.RequireRoles(h.MarkNoShow, models.RoleAdmin, models.RoleCoordinator))).Methods("PATCH")
    router.HandleFunc("/appointments/user/{userId}", utils.AuthMiddleware(h.GetUserAppointments)).Methods("GET")
    router.HandleFunc("/appointments/guruji/{gurujiId}", utils.AuthMiddleware(h.GetGurujiAppointments)).Methods("GET")
}


// BookAppointment reserves a darshan slot. The conflict check and the
// insert run in one transaction so two visitors racing for the same
// slot cannot both win.
func (h *AppointmentHandler) BookAppointment(w http.ResponseWriter, r *http.Request) {
    userID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    var bookingRequest struct {
        AvailabilityID uint      `json:"availability_id"`
        StartTime      time.Time `json:"start_time"`
        Reason         string    `json:"reason"`
    }

    if err := json.NewDecoder(r.Body).Decode(&bookingRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    var user models.User
    if err := h.db.First(&user, userID).Error; err != nil {
        utils.WriteError(w, "User not found", http.StatusNotFound)
        return
    }
    if !user.EmailVerified {
        utils.WriteError(w, "Email must be verified before booking", http.StatusForbidden)
        return
    }

    tx := h.db.Begin()

    var availability models.Availability
    if err := tx.First(&availability, bookingRequest.AvailabilityID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Availability window not found", http.StatusNotFound)
        return
    }

    var guruji models.GurujiProfile
    if err := tx.First(&guruji, availability.GurujiID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Guruji not found", http.StatusNotFound)
        return
    }
    if !guruji.Active {
        tx.Rollback()
        utils.WriteError(w, "Guruji is not accepting appointments", http.StatusConflict)
        return
    }

    slotMinutes := utils.SettingInt(tx, models.SettingConsultationMinutes, 15)
    endTime := bookingRequest.StartTime.Add(time.Duration(slotMinutes) * time.Minute)

    // Slot must sit inside the window
    if bookingRequest.StartTime.Before(availability.StartTime) || endTime.After(availability.EndTime) {
        tx.Rollback()
        utils.WriteError(w, "Requested time is outside the availability window", http.StatusBadRequest)
        return
    }

    // Start must land on the slot grid the board offers, an off-grid
    // start would overlap the neighbouring slots
    if bookingRequest.StartTime.Sub(availability.StartTime)%(time.Duration(slotMinutes)*time.Minute) != 0 {
        tx.Rollback()
        utils.WriteError(w, "Requested time does not match an offered slot", http.StatusBadRequest)
        return
    }

    // Booking window limits how far ahead visitors can reserve
    windowDays := utils.SettingInt(tx, models.SettingBookingWindowDays, 30)
    if availability.Date.After(time.Now().AddDate(0, 0, windowDays)) {
        tx.Rollback()
        utils.WriteError(w, fmt.Sprintf("Appointments can only be booked %d days ahead", windowDays), http.StatusBadRequest)
        return
    }

    activeStatuses := []models.AppointmentStatus{models.AppointmentCancelled, models.AppointmentNoShow}

    // Re-check the slot inside the transaction
    var existingAppointment models.Appointment
    if err := tx.Where("availability_id = ? AND start_time = ? AND status NOT IN ?",
        bookingRequest.AvailabilityID, bookingRequest.StartTime, activeStatuses).
        First(&existingAppointment).Error; err == nil {
        tx.Rollback()
        utils.WriteError(w, "Time slot already booked", http.StatusConflict)
        return
    }

    // One live appointment per visitor per window
    var duplicate models.Appointment
    if err := tx.Where("availability_id = ? AND user_id = ? AND status NOT IN ?",
        bookingRequest.AvailabilityID, userID, activeStatuses).
        First(&duplicate).Error; err == nil {
        tx.Rollback()
        utils.WriteError(w, "You already have an appointment in this window", http.StatusConflict)
        return
    }

    // Capacity of the whole window, when the guruji set one
    if availability.Capacity > 0 {
        var booked int64
        if err := tx.Model(&models.Appointment{}).
            Where("availability_id = ? AND status NOT IN ?", availability.ID, activeStatuses).
            Count(&booked).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "Database error", http.StatusInternalServerError)
            return
        }
        if booked >= int64(availability.Capacity) {
            tx.Rollback()
            utils.WriteError(w, "Availability window is fully booked", http.StatusConflict)
            return
        }
    }

    appointment := models.Appointment{
        Code:            uuid.New().String(),
        UserID:          userID,
        GurujiID:        availability.GurujiID,
        AvailabilityID:  bookingRequest.AvailabilityID,
        AppointmentDate: availability.Date,
        StartTime:       bookingRequest.StartTime,
        EndTime:         endTime,
        Status:          models.AppointmentBooked,
        Reason:          bookingRequest.Reason,
    }

    if err := tx.Create(&appointment).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error creating appointment", http.StatusInternalServerError)
        return
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error completing booking", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, userID, "appointment.booked", "appointment", appointment.ID, appointment.Code)

    h.notifier.Notify(userID, models.NotificationAppointment,
        "Appointment booked",
        fmt.Sprintf("Your darshan is booked for %s", appointment.StartTime.Format("02 Jan 2006 15:04")),
        map[string]interface{}{"appointment_id": appointment.ID, "code": appointment.Code})

    h.broadcastStatus(&appointment)

    h.db.Preload("User").Preload("Guruji").Preload("Availability").First(&appointment, appointment.ID)

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(appointment)
}


func (h *AppointmentHandler) GetAllAppointments(w http.ResponseWriter, r *http.Request) {
    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 100

    query := h.db.Model(&models.Appointment{}).Preload("User").Preload("Guruji")

    // Apply filters
    if status := r.URL.Query().Get("status"); status != "" {
        query = query.Where("status = ?", status)
    }
    if date := r.URL.Query().Get("date"); date != "" {
        query = query.Where("appointment_date = ?", date)
    }
    if gurujiID := r.URL.Query().Get("guruji_id"); gurujiID != "" {
        query = query.Where("guruji_id = ?", gurujiID)
    }

    var total int64
    query.Count(&total)

    var appointments []models.Appointment
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("appointment_date DESC, start_time DESC").Find(&appointments).Error; err != nil {
        utils.WriteError(w, "Error retrieving appointments", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "appointments": appointments,
        "total":        total,
        "page":         page,
        "page_size":    pageSize,
        "total_pages":  (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

// GetAppointment retrieves a specific appointment by ID
func (h *AppointmentHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid appointment ID", http.StatusBadRequest)
        return
    }

    var appointment models.Appointment
    if err := h.db.Preload("User").Preload("Guruji").Preload("Availability").First(&appointment, appointmentID).Error; err != nil {
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    if !h.canView(r, &appointment) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(appointment)
}

// GetAppointmentByCode looks an appointment up by its public code,
// what the visitor shows at the reception desk.
func (h *AppointmentHandler) GetAppointmentByCode(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    code := vars["code"]

    var appointment models.Appointment
    if err := h.db.Preload("User").Preload("Guruji").Where("code = ?", code).First(&appointment).Error; err != nil {
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(appointment)
}

// canView lets the visitor, their guruji and staff read an appointment
func (h *AppointmentHandler) canView(r *http.Request, appointment *models.Appointment) bool {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        return false
    }
    role, _ := utils.GetRoleFromContext(r)
    if role == models.RoleAdmin || role == models.RoleCoordinator {
        return true
    }
    if appointment.UserID == callerID {
        return true
    }
    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := h.db.First(&profile, appointment.GurujiID).Error; err == nil {
            return profile.UserID == callerID
        }
    }
    return false
}


// ConfirmAppointment moves a booking to CONFIRMED
func (h *AppointmentHandler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid appointment ID", http.StatusBadRequest)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)

    tx := h.db.Begin()

    var appointment models.Appointment
    if err := tx.First(&appointment, appointmentID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    if err := applyTransition(tx, &appointment, models.AppointmentConfirmed); err != nil {
        tx.Rollback()
        if errors.Is(err, errBadTransition) {
            utils.WriteError(w, transitionError(appointment.Status, models.AppointmentConfirmed), http.StatusConflict)
        } else {
            utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        }
        return
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error confirming appointment", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "appointment.confirmed", "appointment", appointment.ID, appointment.Code)

    h.notifier.Notify(appointment.UserID, models.NotificationAppointment,
        "Appointment confirmed",
        fmt.Sprintf("Your darshan on %s is confirmed", appointment.StartTime.Format("02 Jan 2006 15:04")),
        map[string]interface{}{"appointment_id": appointment.ID})

    h.broadcastStatus(&appointment)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(appointment)
}

// CancelAppointment handles appointment cancellation by the visitor or staff
func (h *AppointmentHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid appointment ID", http.StatusBadRequest)
        return
    }

    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }
    role, _ := utils.GetRoleFromContext(r)

    var cancelRequest struct {
        Reason string `json:"reason"`
    }
    if r.Body != nil {
        json.NewDecoder(r.Body).Decode(&cancelRequest)
    }

    tx := h.db.Begin()

    var appointment models.Appointment
    if err := tx.First(&appointment, appointmentID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    if appointment.UserID != callerID && role != models.RoleAdmin && role != models.RoleCoordinator {
        tx.Rollback()
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    appointment.CancelledBy = callerID
    appointment.CancelReason = cancelRequest.Reason
    if err := applyTransition(tx, &appointment, models.AppointmentCancelled); err != nil {
        tx.Rollback()
        if errors.Is(err, errBadTransition) {
            utils.WriteError(w, transitionError(appointment.Status, models.AppointmentCancelled), http.StatusConflict)
        } else {
            utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        }
        return
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error cancelling appointment", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "appointment.cancelled", "appointment", appointment.ID, cancelRequest.Reason)

    h.notifier.Notify(appointment.UserID, models.NotificationAppointment,
        "Appointment cancelled",
        fmt.Sprintf("Your darshan on %s has been cancelled", appointment.StartTime.Format("02 Jan 2006 15:04")),
        map[string]interface{}{"appointment_id": appointment.ID})

    h.broadcastStatus(&appointment)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Appointment cancelled successfully",
    })
}

// MarkNoShow closes out a checked-in visitor who never reached the hall
func (h *AppointmentHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid appointment ID", http.StatusBadRequest)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)

    tx := h.db.Begin()

    var appointment models.Appointment
    if err := tx.First(&appointment, appointmentID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Appointment not found", http.StatusNotFound)
        return
    }

    if err := applyTransition(tx, &appointment, models.AppointmentNoShow); err != nil {
        tx.Rollback()
        if errors.Is(err, errBadTransition) {
            utils.WriteError(w, transitionError(appointment.Status, models.AppointmentNoShow), http.StatusConflict)
        } else {
            utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        }
        return
    }

    // The queue entry, if the visitor had one, is skipped alongside
    var entry models.QueueEntry
    if err := tx.Where("appointment_id = ?", appointment.ID).First(&entry).Error; err == nil {
        if entry.Status == models.QueueWaiting {
            entry.Status = models.QueueSkipped
            if err := tx.Save(&entry).Error; err != nil {
                tx.Rollback()
                utils.WriteError(w, "Error updating queue entry", http.StatusInternalServerError)
                return
            }
        }
    }

    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error updating appointment", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "appointment.no_show", "appointment", appointment.ID, appointment.Code)

    h.broadcastStatus(&appointment)
    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", appointment.GurujiID),
        ws.NewEvent(ws.EventQueueUpdated, map[string]interface{}{
            "guruji_id": appointment.GurujiID,
        }))

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(appointment)
}

// GetUserAppointments retrieves all appointments for a specific visitor
func (h *AppointmentHandler) GetUserAppointments(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    userID, err := strconv.ParseUint(vars["userId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
        return
    }

    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }
    role, _ := utils.GetRoleFromContext(r)
    if callerID != uint(userID) && role != models.RoleAdmin && role != models.RoleCoordinator {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 100

    query := h.db.Model(&models.Appointment{}).Where("user_id = ?", userID).
        Preload("Guruji").Preload("Availability")

    if status := r.URL.Query().Get("status"); status != "" {
        query = query.Where("status = ?", status)
    }

    var total int64
    query.Count(&total)

    var appointments []models.Appointment
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("appointment_date DESC, start_time DESC").Find(&appointments).Error; err != nil {
        utils.WriteError(w, "Error retrieving appointments", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "appointments": appointments,
        "total":        total,
        "page":         page,
        "page_size":    pageSize,
        "total_pages":  (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

// GetGurujiAppointments retrieves all appointments for a specific guruji
func (h *AppointmentHandler) GetGurujiAppointments(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }
    role, _ := utils.GetRoleFromContext(r)
    if role == models.RoleGuruji {
        var profile models.GurujiProfile
        if err := h.db.First(&profile, gurujiID).Error; err != nil || profile.UserID != callerID {
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    } else if role != models.RoleAdmin && role != models.RoleCoordinator {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 100

    query := h.db.Model(&models.Appointment{}).Where("guruji_id = ?", gurujiID).
        Preload("User").Preload("Availability")

    if status := r.URL.Query().Get("status"); status != "" {
        query = query.Where("status = ?", status)
    }
    if date := r.URL.Query().Get("date"); date != "" {
        query = query.Where("appointment_date = ?", date)
    }

    var total int64
    query.Count(&total)

    var appointments []models.Appointment
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("appointment_date DESC, start_time DESC").Find(&appointments).Error; err != nil {
        utils.WriteError(w, "Error retrieving appointments", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "appointments": appointments,
        "total":        total,
        "page":         page,
        "page_size":    pageSize,
        "total_pages":  (total + int64(pageSize) - 1) / int64(pageSize),
    })
}


var errBadTransition = errors.New("invalid status transition")

// applyTransition saves a status change after checking it is legal
func applyTransition(tx *gorm.DB, appointment *models.Appointment, next models.AppointmentStatus) error {
    if !appointment.Status.CanTransitionTo(next) {
        return errBadTransition
    }
    appointment.Status = next
    return tx.Save(appointment).Error
}

func transitionError(from, to models.AppointmentStatus) string {
    allowed := from.AllowedNext()
    if len(allowed) == 0 {
        return fmt.Sprintf("Appointment is already %s", from)
    }
    return fmt.Sprintf("Cannot move appointment from %s to %s, allowed: %v", from, to, allowed)
}

func (h *AppointmentHandler) broadcastStatus(appointment *models.Appointment) {
    event := ws.NewEvent(ws.EventAppointmentUpdated, map[string]interface{}{
        "appointment_id": appointment.ID,
        "guruji_id":      appointment.GurujiID,
        "status":         appointment.Status,
    })
    h.hub.BroadcastToRoom(fmt.Sprintf("guruji:%d", appointment.GurujiID), event)
    h.hub.BroadcastToUser(appointment.UserID, event)
}
