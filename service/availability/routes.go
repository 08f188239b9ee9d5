package availability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"gorm.io/gorm"
)

type AvailabilityHandler struct {
    db *gorm.DB
}

func NewAvailabilityHandler(db *gorm.DB) *AvailabilityHandler {
    return &AvailabilityHandler{db: db}
}


func (h *AvailabilityHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/gurujis/{gurujiId}/availability", utils.AuthMiddleware(h.CreateAvailability)).Methods("POST")
    router.HandleFunc("/gurujis/{gurujiId}/availability", h.GetAvailabilities).Methods("GET")
    router.HandleFunc("/gurujis/{gurujiId}/availability/{id}", h.GetAvailability).Methods("GET")
    router.HandleFunc("/gurujis/{gurujiId}/availability/{id}", utils.AuthMiddleware(h.UpdateAvailability)).Methods("PUT")
    router.HandleFunc("/gurujis/{gurujiId}/availability/{id}", utils.AuthMiddleware(h.DeleteAvailability)).Methods("DELETE")
    router.HandleFunc("/gurujis/{gurujiId}/availability/date/{date}", h.GetAvailabilitiesByDate).Methods("GET")
    router.HandleFunc("/gurujis/{gurujiId}/slots/date/{date}", h.GetSlotsByDate).Methods("GET")
}


// canManage reports whether the caller owns this guruji profile or is
// staff. Windows are public to read, never to write.
func (h *AvailabilityHandler) canManage(r *http.Request, gurujiID uint) bool {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        return false
    }
    role, _ := utils.GetRoleFromContext(r)
    if role == models.RoleAdmin || role == models.RoleCoordinator {
        return true
    }

    var profile models.GurujiProfile
    if err := h.db.First(&profile, gurujiID).Error; err != nil {
        return false
    }
    return profile.UserID == callerID
}


func (h *AvailabilityHandler) CreateAvailability(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.Atoi(vars["gurujiId"])
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    if !h.canManage(r, uint(gurujiID)) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    var availability models.Availability
    if err := json.NewDecoder(r.Body).Decode(&availability); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    // Validate time slots
    if availability.EndTime.Before(availability.StartTime) {
        utils.WriteError(w, "End time must be after start time", http.StatusBadRequest)
        return
    }

    // Check for overlapping slots
    var existingAvailability models.Availability
    overlap := h.db.Where("guruji_id = ? AND date = ? AND ((start_time < ? AND end_time > ?) OR (start_time < ? AND end_time > ?))",
        gurujiID,
        availability.Date,
        availability.EndTime,
        availability.StartTime,
        availability.StartTime,
        availability.EndTime,
    ).First(&existingAvailability)

    if overlap.Error != nil && overlap.Error != gorm.ErrRecordNotFound {
        utils.WriteError(w, "Database error", http.StatusInternalServerError)
        return
    }

    if overlap.Error == nil {
        utils.WriteError(w, "Time slot overlaps with existing availability", http.StatusConflict)
        return
    }

    // Assign the guruji ID
    availability.GurujiID = uint(gurujiID)

    // Create availability
    if err := h.db.Create(&availability).Error; err != nil {
        utils.WriteError(w, "Error creating availability", http.StatusInternalServerError)
        return
    }

    // Send success response
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(availability)
}


func (h *AvailabilityHandler) GetAvailabilities(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    // Parse query parameters
    startDate := r.URL.Query().Get("start_date")
    endDate := r.URL.Query().Get("end_date")
    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 10

    query := h.db.Model(&models.Availability{}).Where("guruji_id = ?", gurujiID)

    // Apply filters
    if startDate != "" {
        query = query.Where("date >= ?", startDate)
    }
    if endDate != "" {
        query = query.Where("date <= ?", endDate)
    }

    // Get total count
    var total int64
    query.Count(&total)

    // Get paginated results
    var availabilities []models.Availability
    result := query.Order("date, start_time").Offset((page - 1) * pageSize).Limit(pageSize).Find(&availabilities)
    if result.Error != nil {
        utils.WriteError(w, "Error retrieving availabilities", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "availabilities": availabilities,
        "total":          total,
        "page":           page,
        "page_size":      pageSize,
        "total_pages":    (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

func (h *AvailabilityHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    availabilityID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid availability ID", http.StatusBadRequest)
        return
    }

    var availability models.Availability
    if err := h.db.Where("id = ? AND guruji_id = ?", availabilityID, gurujiID).First(&availability).Error; err != nil {
        utils.WriteError(w, "Availability not found", http.StatusNotFound)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(availability)
}

func (h *AvailabilityHandler) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    if !h.canManage(r, uint(gurujiID)) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    availabilityID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid availability ID", http.StatusBadRequest)
        return
    }

    var updateData models.Availability
    if err := json.NewDecoder(r.Body).Decode(&updateData); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    if updateData.EndTime.Before(updateData.StartTime) {
        utils.WriteError(w, "End time must be after start time", http.StatusBadRequest)
        return
    }

    var availability models.Availability
    if err := h.db.Where("id = ? AND guruji_id = ?", availabilityID, gurujiID).First(&availability).Error; err != nil {
        utils.WriteError(w, "Availability not found", http.StatusNotFound)
        return
    }

    // A window with booked appointments keeps its times
    var booked int64
    h.db.Model(&models.Appointment{}).
        Where("availability_id = ? AND status NOT IN ?", availability.ID,
            []models.AppointmentStatus{models.AppointmentCancelled, models.AppointmentNoShow}).
        Count(&booked)
    if booked > 0 {
        utils.WriteError(w, "Availability already has booked appointments", http.StatusConflict)
        return
    }

    // Check for overlapping slots (excluding current slot)
    var existingAvailability models.Availability
    overlap := h.db.Where("id != ? AND guruji_id = ? AND date = ? AND ((start_time < ? AND end_time > ?) OR (start_time < ? AND end_time > ?))",
        availabilityID,
        gurujiID,
        updateData.Date,
        updateData.EndTime,
        updateData.StartTime,
        updateData.StartTime,
        updateData.EndTime,
    ).First(&existingAvailability)

    if overlap.Error == nil {
        utils.WriteError(w, "Time slot overlaps with existing availability", http.StatusConflict)
        return
    }

    // Update fields
    availability.Note = updateData.Note
    availability.Date = updateData.Date
    availability.StartTime = updateData.StartTime
    availability.EndTime = updateData.EndTime
    availability.Capacity = updateData.Capacity

    if err := h.db.Save(&availability).Error; err != nil {
        utils.WriteError(w, "Error updating availability", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(availability)
}

func (h *AvailabilityHandler) DeleteAvailability(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    if !h.canManage(r, uint(gurujiID)) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    availabilityID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid availability ID", http.StatusBadRequest)
        return
    }

    var booked int64
    h.db.Model(&models.Appointment{}).
        Where("availability_id = ? AND status NOT IN ?", availabilityID,
            []models.AppointmentStatus{models.AppointmentCancelled, models.AppointmentNoShow}).
        Count(&booked)
    if booked > 0 {
        utils.WriteError(w, "Availability already has booked appointments", http.StatusConflict)
        return
    }

    result := h.db.Where("id = ? AND guruji_id = ?", availabilityID, gurujiID).Delete(&models.Availability{})
    if result.Error != nil {
        utils.WriteError(w, "Error deleting availability", http.StatusInternalServerError)
        return
    }

    if result.RowsAffected == 0 {
        utils.WriteError(w, "Availability not found", http.StatusNotFound)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Availability deleted successfully",
    })
}

func (h *AvailabilityHandler) GetAvailabilitiesByDate(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    dateStr := vars["date"]
    date, err := time.Parse("2006-01-02", dateStr)
    if err != nil {
        utils.WriteError(w, "Invalid date format. Use YYYY-MM-DD", http.StatusBadRequest)
        return
    }

    var availabilities []models.Availability
    if err := h.db.Where("guruji_id = ? AND date = ?", gurujiID, date).Find(&availabilities).Error; err != nil {
        utils.WriteError(w, "Error retrieving availabilities", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(availabilities)
}


// Slot is one bookable interval carved out of an availability window
type Slot struct {
    AvailabilityID uint      `json:"availability_id"`
    StartTime      time.Time `json:"start_time"`
    EndTime        time.Time `json:"end_time"`
    Booked         bool      `json:"booked"`
}

// GetSlotsByDate divides each open window of the day into consultation
// sized slots and marks the ones already taken.
func (h *AvailabilityHandler) GetSlotsByDate(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["gurujiId"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    dateStr := vars["date"]
    date, err := time.Parse("2006-01-02", dateStr)
    if err != nil {
        utils.WriteError(w, "Invalid date format. Use YYYY-MM-DD", http.StatusBadRequest)
        return
    }

    var availabilities []models.Availability
    if err := h.db.Where("guruji_id = ? AND date = ?", gurujiID, date).
        Order("start_time").Find(&availabilities).Error; err != nil {
        utils.WriteError(w, "Error retrieving availabilities", http.StatusInternalServerError)
        return
    }

    slotMinutes := utils.SettingInt(h.db, models.SettingConsultationMinutes, 15)

    slots := make([]Slot, 0)
    for _, availability := range availabilities {
        // Appointments already holding a slot in this window
        var appointments []models.Appointment
        h.db.Where("availability_id = ? AND status NOT IN ?", availability.ID,
            []models.AppointmentStatus{models.AppointmentCancelled, models.AppointmentNoShow}).
            Find(&appointments)

        taken := make(map[int64]bool, len(appointments))
        for _, appt := range appointments {
            taken[appt.StartTime.Unix()] = true
        }

        step := time.Duration(slotMinutes) * time.Minute
        for start := availability.StartTime; !start.Add(step).After(availability.EndTime); start = start.Add(step) {
            slots = append(slots, Slot{
                AvailabilityID: availability.ID,
                StartTime:      start,
                EndTime:        start.Add(step),
                Booked:         taken[start.Unix()],
            })
        }
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "date":  dateStr,
        "slots": slots,
    })
}
