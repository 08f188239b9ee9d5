package user

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gopkg.in/gomail.v2"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"github.com/twilio/twilio-go"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

var validate = validator.New()


// RegisterRoutes sets up all user-related routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/login", h.handleLogin).Methods("POST")
	router.HandleFunc("/register", h.HandleRegister).Methods("POST")
	router.HandleFunc("/refresh", h.handleRefreshToken).Methods("POST")
	router.HandleFunc("/user/verify", h.verifyUser).Methods("POST")
	router.HandleFunc("/user/phone/otp", utils.AuthMiddleware(h.sendPhoneOTP)).Methods("POST")
	router.HandleFunc("/user/phone/verify", utils.AuthMiddleware(h.verifyPhoneOTP)).Methods("POST")
    router.HandleFunc("/reset-password", h.handlePasswordResetRequest).Methods("POST")
    router.HandleFunc("/reset-password/{userId}/confirm", h.handlePasswordReset).Methods("POST")
	router.HandleFunc("/verify-reset-token", h.handleVerifyResetToken).Methods("POST")
	router.HandleFunc("/users", utils.AuthMiddleware(utils.RequireRoles(h.GetUsers, models.RoleAdmin, models.RoleCoordinator))).Methods("GET")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(h.GetUser)).Methods("GET")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(h.UpdateUser)).Methods("PUT")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(utils.RequireRoles(h.DeleteUser, models.RoleAdmin))).Methods("DELETE")
	router.HandleFunc("/users/{id}/photo", utils.AuthMiddleware(h.UploadProfilePhoto)).Methods("POST")
	router.HandleFunc("/admin/users", utils.AuthMiddleware(utils.RequireRoles(h.CreateStaffUser, models.RoleAdmin))).Methods("POST")
	router.HandleFunc("/gurujis", h.GetGurujis).Methods("GET")
	router.HandleFunc("/gurujis/search", h.SearchGurujis).Methods("GET")
	router.HandleFunc("/gurujis/{id}", h.GetGuruji).Methods("GET")
	router.HandleFunc("/gurujis/{id}", utils.AuthMiddleware(h.UpdateGuruji)).Methods("PUT")
    router.HandleFunc("/photos/{filename}", h.ServePhoto).Methods("GET")
}


func (h *Handler) ServePhoto(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    filename := vars["filename"]

    // Basic security check for directory traversal
    if containsDotDot(filename) {
        utils.WriteError(w, "Invalid path", http.StatusBadRequest)
        return
    }

    // Construct the full path
    photoPath := filepath.Join(utils.PhotoPath, filepath.Clean(filename))

    // Check if file exists
    if _, err := os.Stat(photoPath); os.IsNotExist(err) {
        utils.WriteError(w, "Photo not found", http.StatusNotFound)
        return
    }

    // Set headers
    w.Header().Set("Cache-Control", "public, max-age=3600")
    w.Header().Set("Content-Type", getContentType(photoPath))

    // Serve the file
    http.ServeFile(w, r, photoPath)
}

func containsDotDot(v string) bool {
    if !filepath.IsAbs(v) {
        v = filepath.Clean(filepath.Join("/", v))
    }
    return filepath.Clean(v) != v
}


// Helper function to determine content type
func getContentType(filename string) string {
    ext := filepath.Ext(filename)
    switch ext {
    case ".jpg", ".jpeg":
        return "image/jpeg"
    case ".png":
        return "image/png"
    case ".webp":
        return "image/webp"
    default:
        return "application/octet-stream"
    }
}


func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
    var loginRequest struct {
        Email    string `json:"email"`
        Password string `json:"password"`
    }

    if err := json.NewDecoder(r.Body).Decode(&loginRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    var user models.User
    result := h.db.Where("email = ?", loginRequest.Email).First(&user)
    if result.Error != nil {
        utils.WriteError(w, "Invalid credentials", http.StatusUnauthorized)
        return
    }

    // Verify password
    if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(loginRequest.Password)); err != nil {
        utils.WriteError(w, "Invalid credentials", http.StatusUnauthorized)
        return
    }

    if user.Status != "active" {
        utils.WriteError(w, "Account is disabled", http.StatusForbidden)
        return
    }

    // Generate Access Token for the API
    accessToken, err := generateJWT(user.ID, user.Role, 1440)
    if err != nil {
        utils.WriteError(w, "Error generating access token", http.StatusInternalServerError)
        return
    }

    // Generate Refresh Token
    refreshToken, err := generateRefreshToken(user.ID)
    if err != nil {
        utils.WriteError(w, "Error generating refresh token", http.StatusInternalServerError)
        return
    }

    // Save Refresh Token to Database (optional for invalidation purposes)
    err = saveRefreshToken(h.db, user.ID, refreshToken)
    if err != nil {
        utils.WriteError(w, "Error saving refresh token", http.StatusInternalServerError)
        return
    }

    // Prepare response
    response := map[string]interface{}{
        "message":        "Login successful",
        "access_token":   accessToken,
        "refresh_token":  refreshToken,
        "user_id":        user.ID,
        "role":           user.Role,
        "email_verified": user.EmailVerified,
    }

    // If user is a guruji, fetch and include guruji_id
    if user.Role == models.RoleGuruji {
        var profile models.GurujiProfile
        result := h.db.Where("user_id = ?", user.ID).First(&profile)
        if result.Error == nil {
            response["guruji_id"] = profile.ID
        } else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
            // Only return error if it's not a "not found" error
            utils.WriteError(w, "Error fetching guruji profile", http.StatusInternalServerError)
            return
        }
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(response)
}


type RegisterRequest struct {
    FullName string `json:"full_name" validate:"required"`
    Email    string `json:"email" validate:"required,email"`
    Password string `json:"password" validate:"required,min=6"`
    Phone    string `json:"phone" validate:"required,min=10"`
}

// HandleRegister signs up a visitor. Staff accounts never come through
// here; admins provision those separately.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
    var registerRequest RegisterRequest
    if err := json.NewDecoder(r.Body).Decode(&registerRequest); err != nil {
        utils.WriteError(w, "Invalid JSON input", http.StatusBadRequest)
        return
    }

    if err := validate.Struct(registerRequest); err != nil {
        utils.WriteError(w, err.Error(), http.StatusBadRequest)
        return
    }

    // Validate unique constraints
    var existingUser models.User
    if result := h.db.Where("email = ? OR phone = ?", registerRequest.Email, registerRequest.Phone).First(&existingUser); !errors.Is(result.Error, gorm.ErrRecordNotFound) {
        if result.Error != nil {
            utils.WriteError(w, "Database error", http.StatusInternalServerError)
            return
        }

        var errorMessage string
        if existingUser.Email == registerRequest.Email && existingUser.Phone == registerRequest.Phone {
            errorMessage = "Email and phone number are already in use"
        } else if existingUser.Email == registerRequest.Email {
            errorMessage = "Email is already in use"
        } else {
            errorMessage = "Phone number is already in use"
        }
        log.Printf("Registration attempt with duplicate %s", errorMessage)
        utils.WriteError(w, errorMessage, http.StatusConflict)
        return
    }

    // Hash password
    passwordHash, err := bcrypt.GenerateFromPassword([]byte(registerRequest.Password), bcrypt.DefaultCost)
    if err != nil {
        utils.WriteError(w, "Error hashing password", http.StatusInternalServerError)
        return
    }

    // Generate verification code
    verificationCode := fmt.Sprintf("%06d", rand.Intn(1000000))
    verificationExpiry := time.Now().Add(15 * time.Minute)

    user := models.User{
        FullName:              registerRequest.FullName,
        Email:                 registerRequest.Email,
        PasswordHash:          string(passwordHash),
        Phone:                 registerRequest.Phone,
        Role:                  models.RoleUser,
        Status:                "active",
        EmailVerificationCode: verificationCode,
        VerificationExpiry:    verificationExpiry,
    }

    if err := h.db.Create(&user).Error; err != nil {
        if isDuplicateErr(err) {
            log.Printf("Unique constraint violation during user creation: %v", err)
            utils.WriteError(w, "Email or phone number is already in use", http.StatusConflict)
            return
        }
        utils.WriteError(w, "Error registering user", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, user.ID, "user.registered", "user", user.ID, user.Email)

    // Send verification email
    go func() {
        if err := sendVerificationEmail(user.Email, verificationCode); err != nil {
            log.Printf("Error sending verification email: %v", err)
        }
    }()

    // Respond with success message
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "message": "User registered successfully. Please check your email for verification code.",
        "user_id": user.ID,
    })
}


type StaffRequest struct {
    FullName  string   `json:"full_name" validate:"required"`
    Email     string   `json:"email" validate:"required,email"`
    Password  string   `json:"password" validate:"required,min=6"`
    Phone     string   `json:"phone" validate:"required,min=10"`
    Role      string   `json:"role" validate:"required,oneof=guruji coordinator admin"`
    Specialty string   `json:"specialty"`
    Bio       string   `json:"bio"`
    Languages []string `json:"languages"`
    Hall      string   `json:"hall"`
}

// CreateStaffUser provisions guruji, coordinator and admin accounts
func (h *Handler) CreateStaffUser(w http.ResponseWriter, r *http.Request) {
    adminID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    var staffRequest StaffRequest
    if err := json.NewDecoder(r.Body).Decode(&staffRequest); err != nil {
        utils.WriteError(w, "Invalid JSON input", http.StatusBadRequest)
        return
    }

    if err := validate.Struct(staffRequest); err != nil {
        utils.WriteError(w, err.Error(), http.StatusBadRequest)
        return
    }

    passwordHash, err := bcrypt.GenerateFromPassword([]byte(staffRequest.Password), bcrypt.DefaultCost)
    if err != nil {
        utils.WriteError(w, "Error hashing password", http.StatusInternalServerError)
        return
    }

    // Begin transaction
    tx := h.db.Begin()

    user := models.User{
        FullName:      staffRequest.FullName,
        Email:         staffRequest.Email,
        PasswordHash:  string(passwordHash),
        Phone:         staffRequest.Phone,
        Role:          staffRequest.Role,
        Status:        "active",
        EmailVerified: true,
    }

    if err := tx.Create(&user).Error; err != nil {
        tx.Rollback()
        if isDuplicateErr(err) {
            utils.WriteError(w, "Email or phone number is already in use", http.StatusConflict)
            return
        }
        utils.WriteError(w, "Error creating user", http.StatusInternalServerError)
        return
    }

    var gurujiID uint
    if staffRequest.Role == models.RoleGuruji {
        profile := models.GurujiProfile{
            UserID:    user.ID,
            Specialty: staffRequest.Specialty,
            Bio:       staffRequest.Bio,
            Languages: staffRequest.Languages,
            Hall:      staffRequest.Hall,
            Active:    true,
        }

        if err := tx.Create(&profile).Error; err != nil {
            tx.Rollback()
            utils.WriteError(w, "Error creating guruji profile", http.StatusInternalServerError)
            return
        }

        gurujiID = profile.ID
    }

    // Commit transaction
    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error committing transaction", http.StatusInternalServerError)
        return
    }

    utils.RecordAudit(h.db, adminID, "user.staff_created", "user", user.ID, staffRequest.Role)

    w.Header().Set("Content-Type", "application/json")
    response := map[string]interface{}{
        "message": "Staff user created successfully",
        "user_id": user.ID,
    }
    if gurujiID != 0 {
        response["guruji_id"] = gurujiID
    }
    json.NewEncoder(w).Encode(response)
}


// sendVerificationEmail sends a verification email with the 6-digit code
func sendVerificationEmail(email, code string) error {
	// Load SMTP configuration from environment variables
	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")

	// Create a new email message
	m := gomail.NewMessage()
	m.SetHeader("From", smtpUser)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Email Verification Code")
	m.SetBody("text/plain", fmt.Sprintf("Your verification code is: %s. Ignore this email if you did not request a verification code.", code))

	// Set up the dialer
	port, err := strconv.Atoi(smtpPort)
	if err != nil {
		return fmt.Errorf("invalid SMTP port: %v", err)
	}
	d := gomail.NewDialer(smtpHost, port, smtpUser, smtpPass)

	// Send the email
	return d.DialAndSend(m)
}


func isDuplicateErr(err error) bool {
    if err == nil {
        return false
    }
    return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key")
}


func (h *Handler) verifyUser(w http.ResponseWriter, r *http.Request) {
    var request struct {
        Email string `json:"email"`
        Code  string `json:"code"`
    }

    if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    var user models.User
    if err := h.db.Where("email = ?", request.Email).First(&user).Error; err != nil {
        utils.WriteError(w, "User not found", http.StatusNotFound)
        return
    }

    // Check if the code matches and is not expired
    if user.EmailVerificationCode != request.Code || time.Now().After(user.VerificationExpiry) {
        utils.WriteError(w, "Invalid or expired verification code", http.StatusUnauthorized)
        return
    }


    user.EmailVerified = true
    user.EmailVerificationCode = "" // Clear the code
    user.VerificationExpiry = time.Time{}

    if err := h.db.Save(&user).Error; err != nil {
        utils.WriteError(w, "Error updating user", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Email verified successfully",
    })
}


// sendPhoneOTP starts a Twilio verification against the caller's phone
func (h *Handler) sendPhoneOTP(w http.ResponseWriter, r *http.Request) {
    userID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    var user models.User
    if err := h.db.First(&user, userID).Error; err != nil {
        utils.WriteError(w, "User not found", http.StatusNotFound)
        return
    }

    if user.PhoneVerified {
        utils.WriteError(w, "Phone already verified", http.StatusConflict)
        return
    }

    client := twilio.NewRestClientWithParams(twilio.ClientParams{
        Username: os.Getenv("TWILIO_ACCOUNT_SID"),
        Password: os.Getenv("TWILIO_AUTHTOKEN"),
    })

    params := verify.CreateVerificationParams{}
    params.SetTo(user.Phone)
    params.SetChannel("sms")

    if _, err := client.VerifyV2.CreateVerification(os.Getenv("TWILIO_SERVICE_SID"), &params); err != nil {
        log.Printf("Error sending OTP to user %d: %v", userID, err)
        utils.WriteError(w, "Error sending OTP", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "OTP sent to registered phone number",
    })
}

// verifyPhoneOTP checks the code with Twilio and marks the phone verified
func (h *Handler) verifyPhoneOTP(w http.ResponseWriter, r *http.Request) {
    userID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }

    var request struct {
        Code string `json:"code"`
    }
    if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }
    if request.Code == "" {
        utils.WriteError(w, "Code is required", http.StatusBadRequest)
        return
    }

    var user models.User
    if err := h.db.First(&user, userID).Error; err != nil {
        utils.WriteError(w, "User not found", http.StatusNotFound)
        return
    }

    client := twilio.NewRestClientWithParams(twilio.ClientParams{
        Username: os.Getenv("TWILIO_ACCOUNT_SID"),
        Password: os.Getenv("TWILIO_AUTHTOKEN"),
    })

    params := verify.CreateVerificationCheckParams{}
    params.SetTo(user.Phone)
    params.SetCode(request.Code)

    response, err := client.VerifyV2.CreateVerificationCheck(os.Getenv("TWILIO_SERVICE_SID"), &params)
    if err != nil {
        log.Printf("Error verifying OTP for user %d: %v", userID, err)
        utils.WriteError(w, "Error verifying OTP", http.StatusInternalServerError)
        return
    }
    if response.Status == nil || *response.Status != "approved" {
        utils.WriteError(w, "Wrong OTP provided", http.StatusUnauthorized)
        return
    }

    user.PhoneVerified = true
    if err := h.db.Save(&user).Error; err != nil {
        utils.WriteError(w, "Error updating user", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Phone verified successfully",
    })
}


// GetUsers retrieves all users
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	query := h.db.Model(&models.User{})
	if role := r.URL.Query().Get("role"); role != "" {
		query = query.Where("role = ?", role)
	}

	var total int64
	query.Count(&total)

	var users []models.User
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("created_at DESC").Find(&users).Error; err != nil {
		utils.WriteError(w, "Error retrieving users", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"users":       users,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetUser retrieves a specific user by ID
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	// Parse user ID from URL
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
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

	var user models.User
	result := h.db.Preload("GurujiProfile").First(&user, userID)
	if result.Error != nil {
		utils.WriteError(w, "User not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}


// UpdateUser updates user information
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	// Parse user ID from URL
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
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
	if callerID != uint(userID) && role != models.RoleAdmin {
		utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	var updateData struct {
		FullName          string `json:"full_name"`
		Phone             string `json:"phone"`
		ProfilePictureURL string `json:"profile_picture_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateData); err != nil {
		utils.WriteError(w, "Invalid JSON input", http.StatusBadRequest)
		return
	}

	// Find user by ID
	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, "User not found", http.StatusNotFound)
		return
	}

	// Update fields
	if updateData.FullName != "" {
		user.FullName = updateData.FullName
	}
	if updateData.Phone != "" {
		user.Phone = updateData.Phone
		user.PhoneVerified = false
	}
	if updateData.ProfilePictureURL != "" {
		user.ProfilePicturePath = updateData.ProfilePictureURL
	}

	// Save updated user data
	if err := h.db.Save(&user).Error; err != nil {
		utils.WriteError(w, "Error updating user", http.StatusInternalServerError)
		return
	}

	// Return updated user details
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}


// UploadProfilePhoto stores a photo and links it to the user
func (h *Handler) UploadProfilePhoto(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
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
	if callerID != uint(userID) && role != models.RoleAdmin {
		utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, "User not found", http.StatusNotFound)
		return
	}

	if err := r.ParseMultipartForm(utils.MaxPhotoSize); err != nil {
		utils.WriteError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		utils.WriteError(w, "Photo file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	photoURL, err := utils.SavePhoto(file, header)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Replace the old photo if one exists
	if user.ProfilePicturePath != "" {
		if err := utils.DeletePhoto(user.ProfilePicturePath); err != nil {
			log.Printf("Error deleting old photo for user %d: %v", user.ID, err)
		}
	}

	user.ProfilePicturePath = photoURL
	if err := h.db.Save(&user).Error; err != nil {
		utils.WriteError(w, "Error updating user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":              "Photo uploaded successfully",
		"profile_picture_path": photoURL,
	})
}


// DeleteUser removes a user
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	// Parse user ID from URL
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	adminID, _ := utils.GetUserIDFromContext(r)

	// A guruji with upcoming bookings cannot be removed, the visitors
	// holding those appointments would be stranded
	var profile models.GurujiProfile
	if err := h.db.Where("user_id = ?", userID).First(&profile).Error; err == nil {
		var upcoming int64
		h.db.Model(&models.Appointment{}).
			Where("guruji_id = ? AND appointment_date >= ? AND status IN ?", profile.ID,
				time.Now().Format("2006-01-02"),
				[]models.AppointmentStatus{models.AppointmentBooked, models.AppointmentConfirmed}).
			Count(&upcoming)
		if upcoming > 0 {
			utils.WriteError(w, "Guruji has upcoming appointments", http.StatusConflict)
			return
		}
	}

	// Delete user
	result := h.db.Delete(&models.User{}, userID)
	if result.Error != nil {
		utils.WriteError(w, "Error deleting user", http.StatusInternalServerError)
		return
	}

	if result.RowsAffected == 0 {
		utils.WriteError(w, "User not found", http.StatusNotFound)
		return
	}

	utils.RecordAudit(h.db, adminID, "user.deleted", "user", uint(userID), "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "User deleted successfully",
	})
}

func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
    // Create a logger
    logger := log.New(os.Stdout, "RefreshToken: ", log.Ldate|log.Ltime|log.Lshortfile)

    var refreshRequest struct {
        RefreshToken string `json:"refresh_token"`
    }

    if err := json.NewDecoder(r.Body).Decode(&refreshRequest); err != nil {
        logger.Printf("Decoding error: %v", err)
        utils.WriteError(w, "Invalid request", http.StatusBadRequest)
        return
    }

    // Start a database transaction
    tx := h.db.Begin()

    // Validate refresh token against stored token in database
    var user models.User
    if err := tx.Where("refresh_token = ?", refreshRequest.RefreshToken).First(&user).Error; err != nil {
        tx.Rollback()
        logger.Printf("Invalid refresh token for request: %v", refreshRequest.RefreshToken)
        utils.WriteError(w, "Invalid refresh token", http.StatusUnauthorized)
        return
    }

    // Check refresh token expiration
    if user.RefreshTokenExpiredAt.Before(time.Now()) {
        tx.Rollback()
        logger.Printf("Expired refresh token for user ID: %d", user.ID)
        utils.WriteError(w, "Refresh token expired", http.StatusUnauthorized)
        return
    }

    // Generate new access token
    newAccessToken, err := generateJWT(user.ID, user.Role, 1440)
    if err != nil {
        tx.Rollback()
        logger.Printf("Failed to generate access token for user ID: %d, error: %v", user.ID, err)
        utils.WriteError(w, "Error generating new token", http.StatusInternalServerError)
        return
    }

    // Generate new refresh token (rotation)
    newRefreshToken, err := generateRefreshToken(user.ID)
    if err != nil {
        tx.Rollback()
        logger.Printf("Failed to generate refresh token for user ID: %d, error: %v", user.ID, err)
        utils.WriteError(w, "Error generating refresh token", http.StatusInternalServerError)
        return
    }

    // Update user with new refresh token and expiration
    updateResult := tx.Model(&user).Updates(models.User{
        Refresh:               newRefreshToken,
        RefreshTokenExpiredAt: time.Now().Add(30 * 24 * time.Hour), // 30 days expiration
    })

    if updateResult.Error != nil {
        tx.Rollback()
        logger.Printf("Failed to update refresh token for user ID: %d, error: %v", user.ID, updateResult.Error)
        utils.WriteError(w, "Error updating refresh token", http.StatusInternalServerError)
        return
    }

    // Commit the transaction
    if err := tx.Commit().Error; err != nil {
        logger.Printf("Transaction commit error: %v", err)
        utils.WriteError(w, "Internal server error", http.StatusInternalServerError)
        return
    }

    // Log successful token refresh
    logger.Printf("Successful token refresh for user ID: %d", user.ID)

    // Respond with new tokens
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "access_token":  newAccessToken,
        "refresh_token": newRefreshToken,
    })
}


func generateJWT(userID uint, role string, expirationMinutes int) (string, error) {
    claims := &utils.Claims{
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   fmt.Sprint(userID),
            ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute * time.Duration(expirationMinutes))),
        },
        Role: role,
    }
    token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
    return token.SignedString([]byte(os.Getenv("SECRET_KEY")))
}


func generateRefreshToken(userID uint) (string, error) {
    // Generate cryptographically secure random bytes
    b := make([]byte, 32)
    _, err := rand.Read(b)
    if err != nil {
        return "", err
    }

    // Use HMAC to create a token that's tied to the user
    mac := hmac.New(sha256.New, []byte(os.Getenv("SECRET_KEY")))
    mac.Write([]byte(fmt.Sprintf("%d", userID)))
    mac.Write(b)

    signature := mac.Sum(nil)
    return fmt.Sprintf("%d_%x_%x", userID, b, signature), nil
}

func saveRefreshToken(db *gorm.DB, userID uint, refreshToken string) error {
    expirationTime := time.Now().Add(30 * 24 * time.Hour) // 30 days
    return db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
        "refresh_token":            refreshToken,
        "refresh_token_expired_at": expirationTime,
    }).Error
}


func (h *Handler) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
    // Parse request body
    var resetRequest struct {
        Email string `json:"email"`
    }

    if err := json.NewDecoder(r.Body).Decode(&resetRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    // Validate email
    if resetRequest.Email == "" {
        utils.WriteError(w, "Email is required", http.StatusBadRequest)
        return
    }

    // Find user by email
    var user models.User
    result := h.db.Where("email = ?", resetRequest.Email).First(&user)
    if result.Error != nil {
        // Keep response vague for security
        w.Header().Set("Content-Type", "application/json")
        json.NewEncoder(w).Encode(map[string]string{
            "message": "If an account exists, a reset code will be sent to your email",
        })
        return
    }

    // Generate a secure 6-digit reset token
    resetToken := fmt.Sprintf("%06d", rand.Intn(1000000))

    // Begin a transaction
    tx := h.db.Begin()

    // Delete any existing reset tokens for this user
    if err := tx.Where("user_id = ?", user.ID).Delete(&models.PasswordResetToken{}).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error processing reset request", http.StatusInternalServerError)
        return
    }

    // Create new reset token
    passwordResetToken := models.PasswordResetToken{
        UserID:    user.ID,
        Token:     resetToken,
        ExpiresAt: time.Now().Add(5 * time.Minute),
    }

    if err := tx.Create(&passwordResetToken).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error creating reset token", http.StatusInternalServerError)
        return
    }

    // Commit transaction
    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error processing reset request", http.StatusInternalServerError)
        return
    }

    // Send the reset code via email
    if err := sendVerificationEmail(user.Email, resetToken); err != nil {
        utils.WriteError(w, "Error sending email", http.StatusInternalServerError)
        return
    }

    // Respond to the user
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "If an account exists, a reset code will be sent to your email",
    })
}


func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
    // Extract user ID from URL parameters
    vars := mux.Vars(r)
    userID, err := strconv.ParseUint(vars["userId"], 10, 32)
    if err != nil {
        utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
        return
    }

    var resetRequest struct {
        Token    string `json:"token"`
        Password string `json:"password"`
    }

    if err := json.NewDecoder(r.Body).Decode(&resetRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    // Validate password strength
    if len(resetRequest.Password) < 6 {
        utils.WriteError(w, "Password must be at least 6 characters long", http.StatusBadRequest)
        return
    }

    // Begin a transaction
    tx := h.db.Begin()

    // Find the user by ID
    var user models.User
    if err := tx.First(&user, userID).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "User not found", http.StatusNotFound)
        return
    }

    // The reset token must still be valid for this user
    var resetToken models.PasswordResetToken
    if err := tx.Where("user_id = ? AND token = ?", user.ID, resetRequest.Token).First(&resetToken).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Invalid reset token", http.StatusUnauthorized)
        return
    }
    if time.Now().After(resetToken.ExpiresAt) {
        tx.Rollback()
        utils.WriteError(w, "Reset token expired", http.StatusUnauthorized)
        return
    }

    // Hash the new password
    passwordHash, err := bcrypt.GenerateFromPassword([]byte(resetRequest.Password), bcrypt.DefaultCost)
    if err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error hashing password", http.StatusInternalServerError)
        return
    }

    // Update the user's password
    user.PasswordHash = string(passwordHash)
    if err := tx.Save(&user).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error updating password", http.StatusInternalServerError)
        return
    }

    // Burn the token
    if err := tx.Delete(&resetToken).Error; err != nil {
        tx.Rollback()
        utils.WriteError(w, "Error processing password reset", http.StatusInternalServerError)
        return
    }

    // Commit the transaction
    if err := tx.Commit().Error; err != nil {
        utils.WriteError(w, "Error processing password reset", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]string{
        "message": "Password reset successful",
    })
}


type TokenVerificationRequest struct {
    Email string `json:"email"`
    Token string `json:"token"`
}

func (h *Handler) handleVerifyResetToken(w http.ResponseWriter, r *http.Request) {
    var req TokenVerificationRequest

    // Decode the incoming request payload
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    // Find the user by email
    var user models.User
    if err := h.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
        // Deliberately vague response to avoid revealing user existence
        utils.WriteError(w, "Invalid email or token", http.StatusBadRequest)
        return
    }

    // Find the reset token for the user
    var resetToken models.PasswordResetToken
    if err := h.db.Where("user_id = ? AND token = ?", user.ID, req.Token).First(&resetToken).Error; err != nil {
        utils.WriteError(w, "Invalid email or token", http.StatusBadRequest)
        return
    }

    // Check if the token is expired
    if time.Now().After(resetToken.ExpiresAt) {
        utils.WriteError(w, "Token expired", http.StatusBadRequest)
        return
    }

    // Token is valid; respond with success and include user ID
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "message": "Token is valid",
        "user_id": user.ID,
    })
}


func (h *Handler) GetGurujis(w http.ResponseWriter, r *http.Request) {
    if h.db == nil {
        utils.WriteError(w, "Database connection not initialized", http.StatusInternalServerError)
        return
    }

    // Parse query parameters
    active := r.URL.Query().Get("active")
    specialty := r.URL.Query().Get("specialty")
    page, err := strconv.Atoi(r.URL.Query().Get("page"))
    if err != nil || page < 1 {
        page = 1
    }
    pageSize := 20

    // Base query with the owning User preloaded
    query := h.db.Model(&models.GurujiProfile{}).
        Preload("User")

    // Filter by active status if specified
    if active != "" {
        isActive, parseErr := strconv.ParseBool(active)
        if parseErr != nil {
            utils.WriteError(w, "Invalid value for 'active'", http.StatusBadRequest)
            return
        }
        query = query.Where("active = ?", isActive)
    }

    if specialty != "" {
        query = query.Where("specialty LIKE ?", "%"+specialty+"%")
    }

    // Count total records
    var total int64
    if err := query.Count(&total).Error; err != nil {
        utils.WriteError(w, "Error counting gurujis", http.StatusInternalServerError)
        return
    }

    // Fetch paginated gurujis
    var gurujis []models.GurujiProfile
    result := query.Offset((page - 1) * pageSize).Limit(pageSize).Find(&gurujis)
    if result.Error != nil {
        utils.WriteError(w, "Error retrieving gurujis", http.StatusInternalServerError)
        return
    }

    // Construct response
    response := make([]map[string]interface{}, 0, len(gurujis))
    for _, guruji := range gurujis {
        if guruji.User == nil {
            continue // Skip if User is nil
        }

        gurujiData := map[string]interface{}{
            "ID":        guruji.ID,
            "CreatedAt": guruji.CreatedAt,
            "UpdatedAt": guruji.UpdatedAt,
            "UserID":    guruji.UserID,
            "Specialty": guruji.Specialty,
            "Bio":       guruji.Bio,
            "Languages": guruji.Languages,
            "Hall":      guruji.Hall,
            "Active":    guruji.Active,
            "User": map[string]interface{}{
                "FullName":           guruji.User.FullName,
                "Email":              guruji.User.Email,
                "Phone":              guruji.User.Phone,
                "ProfilePicturePath": guruji.User.ProfilePicturePath,
            },
        }
        response = append(response, gurujiData)
    }

    // Return the response
    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "gurujis":     response,
        "total":       total,
        "page":        page,
        "page_size":   pageSize,
        "total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
    })
}

// GetGuruji retrieves a specific guruji by ID with full details
func (h *Handler) GetGuruji(w http.ResponseWriter, r *http.Request) {
    // Parse guruji ID from URL
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    var guruji models.GurujiProfile
    result := h.db.Preload("User").First(&guruji, gurujiID)

    if result.Error != nil {
        if errors.Is(result.Error, gorm.ErrRecordNotFound) {
            utils.WriteError(w, "Guruji not found", http.StatusNotFound)
        } else {
            utils.WriteError(w, "Error retrieving guruji", http.StatusInternalServerError)
        }
        return
    }

    // Check if User is nil before accessing
    if guruji.User == nil {
        utils.WriteError(w, "Guruji user data not found", http.StatusInternalServerError)
        return
    }

    gurujiData := map[string]interface{}{
        "ID":        guruji.ID,
        "CreatedAt": guruji.CreatedAt,
        "UpdatedAt": guruji.UpdatedAt,
        "UserID":    guruji.UserID,
        "Specialty": guruji.Specialty,
        "Bio":       guruji.Bio,
        "Languages": guruji.Languages,
        "Hall":      guruji.Hall,
        "Active":    guruji.Active,
        "User": map[string]interface{}{
            "FullName":           guruji.User.FullName,
            "Email":              guruji.User.Email,
            "Phone":              guruji.User.Phone,
            "ProfilePicturePath": guruji.User.ProfilePicturePath,
        },
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(gurujiData)
}

// UpdateGuruji allows a guruji or an admin to update profile information
func (h *Handler) UpdateGuruji(w http.ResponseWriter, r *http.Request) {
    // Parse guruji ID from URL
    vars := mux.Vars(r)
    gurujiID, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        utils.WriteError(w, "Invalid guruji ID", http.StatusBadRequest)
        return
    }

    // Find guruji
    var guruji models.GurujiProfile
    if result := h.db.First(&guruji, gurujiID); result.Error != nil {
        utils.WriteError(w, "Guruji not found", http.StatusNotFound)
        return
    }

    callerID, err := utils.GetUserIDFromContext(r)
    if err != nil {
        utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
        return
    }
    role, _ := utils.GetRoleFromContext(r)
    if guruji.UserID != callerID && role != models.RoleAdmin {
        utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
        return
    }

    // Parse request body
    var updateRequest struct {
        Specialty string   `json:"specialty"`
        Bio       string   `json:"bio"`
        Languages []string `json:"languages"`
        Hall      string   `json:"hall"`
        Active    *bool    `json:"active"`
    }
    if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
        utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
        return
    }

    // Update fields
    if updateRequest.Specialty != "" {
        guruji.Specialty = updateRequest.Specialty
    }
    if updateRequest.Bio != "" {
        guruji.Bio = updateRequest.Bio
    }
    if updateRequest.Languages != nil {
        guruji.Languages = updateRequest.Languages
    }
    if updateRequest.Hall != "" {
        guruji.Hall = updateRequest.Hall
    }
    if updateRequest.Active != nil {
        // Only admins take a guruji off the booking page
        if role != models.RoleAdmin {
            utils.WriteError(w, "Only admins can change active status", http.StatusForbidden)
            return
        }
        guruji.Active = *updateRequest.Active
    }

    // Save guruji updates
    if err := h.db.Save(&guruji).Error; err != nil {
        utils.WriteError(w, "Error updating guruji", http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(map[string]interface{}{
        "message": "Guruji updated successfully",
        "guruji":  guruji,
    })
}

// SearchGurujis allows searching gurujis by various criteria
func (h *Handler) SearchGurujis(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	query := r.URL.Query().Get("q")
	specialty := r.URL.Query().Get("specialty")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 10

	// Base query
	dbQuery := h.db.Model(&models.GurujiProfile{}).Preload("User")

	// Apply filters
	if query != "" {
		searchQuery := "%" + query + "%"
		dbQuery = dbQuery.Where(
			"specialty LIKE ? OR bio LIKE ? OR hall LIKE ?",
			searchQuery, searchQuery, searchQuery,
		)
	}

	if specialty != "" {
		dbQuery = dbQuery.Where("specialty LIKE ?", "%"+specialty+"%")
	}

	if language := r.URL.Query().Get("language"); language != "" {
		// languages is an array column, match against its text form
		dbQuery = dbQuery.Where("CAST(languages AS TEXT) LIKE ?", "%"+language+"%")
	}

	// Count total results
	var total int64
	dbQuery.Count(&total)

	// Retrieve paginated results
	var gurujis []models.GurujiProfile
	result := dbQuery.Offset((page - 1) * pageSize).Limit(pageSize).Find(&gurujis)

	if result.Error != nil {
		utils.WriteError(w, "Error searching gurujis", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"gurujis":     gurujis,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}
