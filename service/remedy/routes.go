package remedy

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

type RemedyHandler struct {
    db       *gorm.DB
    hub      *ws.Hub
    notifier *notification.Notifier
}

func NewRemedyHandler(db *gorm.DB, hub *ws.Hub, notifier *notification.Notifier) *RemedyHandler {
    return &RemedyHandler{db: db, hub: hub, notifier: notifier}
}


func (h *RemedyHandler) RegisterRoutes(router *mux.Router) {
    router.HandleFunc("/remedies/templates", utils.AuthMiddleware(utils.RequireRoles(h.CreateTemplate, models.RoleGuruji, models.RoleAdmin))).Methods("POST")
    router.HandleFunc("/remedies/templates", utils.AuthMiddleware(utils.RequireRoles(h.GetTemplates, models.RoleGuruji, models.RoleCoordinator, models.RoleAdmin))).Methods("GET")
    router.HandleFunc("/remedies/templates/{id:[0-9]+}", utils.AuthMiddleware(utils.RequireRoles(h.GetTemplate, models.RoleGuruji, models.RoleCoordinator, models.RoleAdmin))).Methods("GET")
    router.HandleFunc("/remedies/templates/{id:[0-9]+}", utils.AuthMiddleware(utils.RequireRoles(h.UpdateTemplate, models.RoleGuruji, models.RoleAdmin))).Methods("PUT")
    router.HandleFunc("/remedies/templates/{id:[0-9]+}", utils.AuthMiddleware(utils.RequireRoles(h.DeleteTemplate, models.RoleGuruji, models.RoleAdmin))).Methods("DELETE")
    router.HandleFunc("/remedies/issue", utils.AuthMiddleware(utils.RequireRoles(h.IssueRemedy, models.RoleGuruji, models.RoleAdmin))).Methods("POST")
    router.HandleFunc("/remedies/me", utils.AuthMiddleware(h.GetMyRemedies)).Methods("GET")
    router.HandleFunc("/remedies", utils.AuthMiddleware(utils.RequireRoles(h.GetRemedies, models.RoleGuruji, models.RoleCoordinator, models.RoleAdmin))).Methods("GET")
    router.HandleFunc("/remedies/{id:[0-9]+}", utils.AuthMiddleware(h.GetRemedy)).Methods("GET")
    router.HandleFunc("/remedies/{id:[0-9]+}/pdf", utils.AuthMiddleware(h.DownloadRemedyPDF)).Methods("GET")
}


// ownProfile resolves the caller's guruji profile, nil for staff
func (h *RemedyHandler) ownProfile(r *http.Request) *models.GurujiProfile {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        return nil
    }
    role, _ := utils.GetRoleFromContext(r)
    if role != models.RoleGuruji {
        return nil
    }
    var profile models.GurujiProfile
    if err := h.db.Where("user_id = ?", callerID).First(&profile).Error; err != nil {
        return nil
    }
    return &profile
}


func (h *RemedyHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var templateRequest struct {
        GurujiID     uint     `json:"guruji_id"`
        Name         string   `json:"name"`
        Category     string   `json:"category"`
        Items        []string `json:"items"`
        Instructions string   `json:"instructions"`
        DurationDays int      `json:"duration_days"`
        Language     string   `json:"language"`
    }
    if err := json.NewDecoder(r.Body).Decode(&templateRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    if templateRequest.Name == "" || len(templateRequest.Items) == 0 {
        utils.WriteError(w, "Name and items are required", http.StatusBadRequest)
        return
    }

    gurujiID := templateRequest.GurujiID
    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil {
            utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
            return
        }
        gurujiID = profile.ID
    }
    if gurujiID == 0 {
        utils.WriteError(w, "guruji_id is required", http.StatusBadRequest)
        return
    }

    if templateRequest.Language == "" {
        templateRequest.Language = "en"
    }

    template := models.RemedyTemplate{
        GurujiID:     gurujiID,
        Name:         templateRequest.Name,
        Category:     templateRequest.Category,
        Items:        pq.StringArray(templateRequest.Items),
        Instructions: templateRequest.Instructions,
        DurationDays: templateRequest.DurationDays,
        Language:     templateRequest.Language,
        Active:       true,
    }

    if err := h.db.Create(&template).Error; err != nil {
        utils.WriteError(w, "Error creating template", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "remedy.template_created", "remedy_template", template.ID, template.Name)

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(template)
}

func (h *RemedyHandler) GetTemplates(w http.ResponseWriter, r *http.Request) {
    role, _ := utils.GetRoleFromContext(r)

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 20

    query := h.db.Model(&models.RemedyTemplate{})

    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil {
            utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
            return
        }
        query = query.Where("guruji_id = ?", profile.ID)
    } else if gurujiID := r.URL.Query().Get("guruji_id"); gurujiID != "" {
        query = query.Where("guruji_id = ?", gurujiID)
    }

    if category := r.URL.Query().Get("category"); category != "" {
        query = query.Where("category = ?", category)
    }
    if language := r.URL.Query().Get("language"); language != "" {
        query = query.Where("language = ?", language)
    }
    if r.URL.Query().Get("active") == "true" {
        query = query.Where("active = ?", true)
    }

    var total int64
    query.Count(&total)

    var templates []models.RemedyTemplate
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("name").Find(&templates).Error; err != nil {
        utils.WriteError(w, "Error retrieving templates", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "templates":   templates,
        "total":       total,
        "page":        page,
        "page_size":   pageSize,
        "total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

func (h *RemedyHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    templateID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid template ID", http.StatusBadRequest)
        return
    }

    var template models.RemedyTemplate
    if err := h.db.First(&template, templateID).Error; err != nil {
        utils.WriteError(w, "Template not found", http.StatusNotFound)
        return
    }

    if profile := h.ownProfile(r); profile != nil && template.GurujiID != profile.ID {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(template)
}

func (h *RemedyHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    templateID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid template ID", http.StatusBadRequest)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var template models.RemedyTemplate
    if err := h.db.First(&template, templateID).Error; err != nil {
        utils.WriteError(w, "Template not found", http.StatusNotFound)
        return
    }

    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil || template.GurujiID != profile.ID {
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    }

    var updateRequest struct {
        Name         *string  `json:"name"`
        Category     *string  `json:"category"`
        Items        []string `json:"items"`
        Instructions *string  `json:"instructions"`
        DurationDays *int     `json:"duration_days"`
        Language     *string  `json:"language"`
        Active       *bool    `json:"active"`
    }
    if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    if updateRequest.Name != nil {
        template.Name = *updateRequest.Name
    }
    if updateRequest.Category != nil {
        template.Category = *updateRequest.Category
    }
    if updateRequest.Items != nil {
        template.Items = pq.StringArray(updateRequest.Items)
    }
    if updateRequest.Instructions != nil {
        template.Instructions = *updateRequest.Instructions
    }
    if updateRequest.DurationDays != nil {
        template.DurationDays = *updateRequest.DurationDays
    }
    if updateRequest.Language != nil {
        template.Language = *updateRequest.Language
    }
    if updateRequest.Active != nil {
        template.Active = *updateRequest.Active
    }

    if err := h.db.Save(&template).Error; err != nil {
        utils.WriteError(w, "Error updating template", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "remedy.template_updated", "remedy_template", template.ID, template.Name)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(template)
}

func (h *RemedyHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    templateID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid template ID", http.StatusBadRequest)
        return
    }

    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var template models.RemedyTemplate
    if err := h.db.First(&template, templateID).Error; err != nil {
        utils.WriteError(w, "Template not found", http.StatusNotFound)
        return
    }

    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil || template.GurujiID != profile.ID {
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    }

    if err := h.db.Delete(&template).Error; err != nil {
        utils.WriteError(w, "Error deleting template", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, callerID, "remedy.template_deleted", "remedy_template", template.ID, template.Name)

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Template deleted successfully",
    })
}


// IssueRemedy writes a remedy document for a consultation. Template
// content is snapshotted onto the document, the PDF is rendered and
// stored, and the visitor gets it by email in the background.
func (h *RemedyHandler) IssueRemedy(w http.ResponseWriter, r *http.Request) {
    callerID, _ := utils.GetUserIDFromContext(r)
    role, _ := utils.GetRoleFromContext(r)

    var issueRequest struct {
        SessionID    uint     `json:"session_id"`
        TemplateID   uint     `json:"template_id"`
        Name         string   `json:"name"`
        Items        []string `json:"items"`
        Instructions string   `json:"instructions"`
        DurationDays int      `json:"duration_days"`
        CustomNotes  string   `json:"custom_notes"`
    }
    if err := json.NewDecoder(r.Body).Decode(&issueRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }
    if issueRequest.SessionID == 0 {
        utils.WriteError(w, "session_id is required", http.StatusBadRequest)
        return
    }

    var session models.ConsultationSession
    if err := h.db.First(&session, issueRequest.SessionID).Error; err != nil {
        utils.WriteError(w, "Consultation not found", http.StatusNotFound)
        return
    }

    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil || session.GurujiID != profile.ID {
            utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
            return
        }
    }

    document := models.RemedyDocument{
        Number:       uuid.New().String(),
        SessionID:    session.ID,
        UserID:       session.UserID,
        GurujiID:     session.GurujiID,
        CustomNotes:  issueRequest.CustomNotes,
        Instructions: issueRequest.Instructions,
        DurationDays: issueRequest.DurationDays,
    }

    if issueRequest.TemplateID != 0 {
        var template models.RemedyTemplate
        if err := h.db.First(&template, issueRequest.TemplateID).Error; err != nil {
            utils.WriteError(w, "Template not found", http.StatusNotFound)
            return
        }
        if template.GurujiID != session.GurujiID && role != models.RoleAdmin {
            utils.WriteError(w, "Template belongs to another guruji", http.StatusForbidden)
            return
        }
        if !template.Active {
            utils.WriteError(w, "Template is retired", http.StatusConflict)
            return
        }
        templateID := template.ID
        document.TemplateID = &templateID
        document.TemplateName = template.Name
        document.Items = template.Items
        if document.Instructions == "" {
            document.Instructions = template.Instructions
        }
        if document.DurationDays == 0 {
            document.DurationDays = template.DurationDays
        }
    } else {
        if issueRequest.Name == "" || len(issueRequest.Items) == 0 {
            utils.WriteError(w, "Name and items are required without a template", http.StatusBadRequest)
            return
        }
        document.TemplateName = issueRequest.Name
        document.Items = pq.StringArray(issueRequest.Items)
    }

    var visitor models.User
    if err := h.db.First(&visitor, session.UserID).Error; err != nil {
        utils.WriteError(w, "Visitor not found", http.StatusNotFound)
        return
    }

    var gurujiName string
    var profile models.GurujiProfile
    if err := h.db.Preload("User").First(&profile, session.GurujiID).Error; err == nil && profile.User != nil {
        gurujiName = profile.User.FullName
    }

    if err := h.db.Create(&document).Error; err != nil {
        utils.WriteError(w, "Error issuing remedy", http.StatusInternalServerError)
        return
    }

    ashramName := utils.SettingString(h.db, models.SettingAshramName, "Shanti Van Ashram")
    pdfData, err := renderRemedyPDF(ashramName, &document, visitor.FullName, gurujiName)
    if err != nil {
        log.Printf("remedy PDF render failed for %s: %v", document.Number, err)
    } else {
        if path, err := saveRemedyPDF(pdfData, document.Number); err != nil {
            log.Printf("remedy PDF save failed for %s: %v", document.Number, err)
        } else {
            document.PDFPath = path
            h.db.Model(&document).Update("pdf_path", path)
        }

        // Email the prescription without holding the response
        go func(email, name string, doc models.RemedyDocument, data []byte) {
            if err := emailRemedy(email, name, &doc, data); err != nil {
                log.Printf("remedy email failed for %s: %v", doc.Number, err)
                return
            }
            h.db.Model(&models.RemedyDocument{}).Where("id = ?", doc.ID).Update("emailed_at", time.Now())
        }(visitor.Email, visitor.FullName, document, pdfData)
    }

    utils.RecordAudit(h.db, callerID, "remedy.issued", "remedy_document", document.ID, document.Number)

    event := ws.NewEvent(ws.EventRemedyIssued, map[string]interface{}{
        "document_id": document.ID,
        "number":      document.Number,
        "user_id":     document.UserID,
        "guruji_id":   document.GurujiID,
    })
    h.hub.BroadcastToUser(document.UserID, event)

    h.notifier.Notify(document.UserID, models.NotificationRemedy,
        "Remedy issued",
        fmt.Sprintf("Your remedy %s is ready", document.TemplateName),
        map[string]interface{}{"document_id": document.ID, "number": document.Number})

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusCreated)
    json.NewEncoder(w).Encode(document)
}


// canViewDocument lets the visitor, the issuing guruji and staff in
func (h *RemedyHandler) canViewDocument(r *http.Request, document *models.RemedyDocument) bool {
    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        return false
    }
    role, _ := utils.GetRoleFromContext(r)
    if role == models.RoleAdmin || role == models.RoleCoordinator {
        return true
    }
    if document.UserID == callerID {
        return true
    }
    if profile := h.ownProfile(r); profile != nil {
        return document.GurujiID == profile.ID
    }
    return false
}

func (h *RemedyHandler) GetRemedy(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    documentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid remedy ID", http.StatusBadRequest)
        return
    }

    var document models.RemedyDocument
    if err := h.db.Preload("User").Preload("Guruji").First(&document, documentID).Error; err != nil {
        utils.WriteError(w, "Remedy not found", http.StatusNotFound)
        return
    }

    if !h.canViewDocument(r, &document) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(document)
}

// DownloadRemedyPDF streams the stored prescription PDF
func (h *RemedyHandler) DownloadRemedyPDF(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    documentID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid remedy ID", http.StatusBadRequest)
        return
    }

    var document models.RemedyDocument
    if err := h.db.First(&document, documentID).Error; err != nil {
        utils.WriteError(w, "Remedy not found", http.StatusNotFound)
        return
    }

    if !h.canViewDocument(r, &document) {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    if document.PDFPath == "" {
        utils.WriteError(w, "No PDF available for this remedy", http.StatusNotFound)
        return
    }

    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=remedy-%s.pdf", document.Number))
    http.ServeFile(w, r, document.PDFPath)
}

func (h *RemedyHandler) GetMyRemedies(w http.ResponseWriter, r *http.Request) {
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

    query := h.db.Model(&models.RemedyDocument{}).Where("user_id = ?", userID).Preload("Guruji")

    var total int64
    query.Count(&total)

    var documents []models.RemedyDocument
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("created_at DESC").Find(&documents).Error; err != nil {
        utils.WriteError(w, "Error retrieving remedies", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "remedies":    documents,
        "total":       total,
        "page":        page,
        "page_size":   pageSize,
        "total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

func (h *RemedyHandler) GetRemedies(w http.ResponseWriter, r *http.Request) {
    role, _ := utils.GetRoleFromContext(r)

    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    if page < 1 {
        page = 1
    }
    pageSize := 20

    query := h.db.Model(&models.RemedyDocument{}).Preload("User")

    if role == models.RoleGuruji {
        profile := h.ownProfile(r)
        if profile == nil {
            utils.WriteError(w, "Guruji profile not found", http.StatusNotFound)
            return
        }
        query = query.Where("guruji_id = ?", profile.ID)
    } else {
        if gurujiID := r.URL.Query().Get("guruji_id"); gurujiID != "" {
            query = query.Where("guruji_id = ?", gurujiID)
        }
        if userID := r.URL.Query().Get("user_id"); userID != "" {
            query = query.Where("user_id = ?", userID)
        }
    }

    var total int64
    query.Count(&total)

    var documents []models.RemedyDocument
    if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
        Order("created_at DESC").Find(&documents).Error; err != nil {
        utils.WriteError(w, "Error retrieving remedies", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "remedies":    documents,
        "total":       total,
        "page":        page,
        "page_size":   pageSize,
        "total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
    })
}
