package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shantivan/ashram-server/cmd/api"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/db"
	"github.com/shantivan/ashram-server/service/settings"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func main() {
    // Check for command-line arguments
    if len(os.Args) > 1 {
        switch os.Args[1] {
        case "migrate":
            runMigrations()
            return
        case "seed":
            runSeed()
            return
        case "clear-db":
            runDatabaseClear()
            return
        default:
            log.Fatalf("Unknown command: %s", os.Args[1])
        }
    }

    // Start the server
    startServer()
}

func runMigrations() {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
		log.Println("Database connection closed")
	}()
	log.Println("Connected to the database for migrations")

	// Perform migrations
	if err := performMigrations(DB); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	log.Println("Migrations completed successfully")
}

func performMigrations(DB *gorm.DB) error {

	migrations := map[interface{}]string{
		&models.User{}:                "User",
		&models.GurujiProfile{}:       "GurujiProfile",
		&models.PasswordResetToken{}:  "PasswordResetToken",
		&models.Availability{}:        "Availability",
		&models.Appointment{}:         "Appointment",
		&models.QueueEntry{}:          "QueueEntry",
		&models.ConsultationSession{}: "ConsultationSession",
		&models.RemedyTemplate{}:      "RemedyTemplate",
		&models.RemedyDocument{}:      "RemedyDocument",
		&models.SystemSetting{}:       "SystemSetting",
		&models.AuditLog{}:            "AuditLog",
		&models.Device{}:              "Device",
		&models.Notification{}:        "Notification",
	}

	log.Println("Starting database migrations...")
	for model, name := range migrations {
		log.Printf("Migrating %s table...", name)
		if err := DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("error migrating %s table: %w", name, err)
		}
		log.Printf("%s migration successful", name)
	}


	directories := []string{
		"uploads/photos",
		"uploads/remedies",
	}

	for _, dir := range directories {
		if err := createDirectoryIfNotExist(dir); err != nil {
			log.Fatalf("Error creating directory %s: %v", dir, err)
		}
		log.Printf("Directory %s created/verified", dir)
	}

	log.Println("All migrations and directory setup completed successfully")
	return nil
}


func createDirectoryIfNotExist(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", path, err)
		}
	}
	return nil
}


// runSeed fills in the settings rows and the first admin account so a
// fresh install can log in.
func runSeed() {
    DB, err := db.NewPSQLStorage()
    if err != nil {
        log.Fatalf("Database initialization error: %v", err)
    }
    defer func() {
        sqlDB, _ := DB.DB()
        sqlDB.Close()
    }()

    if err := settings.EnsureDefaults(DB); err != nil {
        log.Fatalf("Settings seed error: %v", err)
    }
    log.Println("Settings seeded")

    adminEmail := os.Getenv("ADMIN_EMAIL")
    adminPassword := os.Getenv("ADMIN_PASSWORD")
    if adminEmail == "" || adminPassword == "" {
        log.Println("ADMIN_EMAIL or ADMIN_PASSWORD not set, skipping admin account")
        return
    }

    var existing models.User
    if err := DB.Where("email = ?", adminEmail).First(&existing).Error; err == nil {
        log.Println("Admin account already exists")
        return
    }

    hashed, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
    if err != nil {
        log.Fatalf("Error hashing admin password: %v", err)
    }

    admin := models.User{
        FullName:      "Administrator",
        Email:         adminEmail,
        PasswordHash:  string(hashed),
        Role:          models.RoleAdmin,
        EmailVerified: true,
        Status:        "active",
    }
    if err := DB.Create(&admin).Error; err != nil {
        log.Fatalf("Error creating admin account: %v", err)
    }
    log.Printf("Admin account %s created", adminEmail)
}


func startServer() {
	// Initialize database connection
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
		log.Println("Database connection closed")
	}()
	log.Println("Connected to the database")

	// Queue boards degrade to uncached reads when redis is away
	if err := db.InitRedis(); err != nil {
		log.Printf("Redis unavailable: %v", err)
	}

	if err := settings.EnsureDefaults(DB); err != nil {
		log.Printf("Settings seed warning: %v", err)
	}

	// Graceful shutdown setup
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Start the API server
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewApiServer(":"+port, DB)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()
	log.Printf("Server running on port %s", port)

	<-quit
	log.Println("Shutting down server...")
}


func clearDatabase(DB *gorm.DB, tables []interface{}) error {
    if len(tables) == 0 {
        // Default: Drop all tables
        tables = []interface{}{
            &models.RemedyDocument{},
            &models.RemedyTemplate{},
            &models.ConsultationSession{},
            &models.QueueEntry{},
            &models.Appointment{},
            &models.Availability{},
            &models.Notification{},
            &models.Device{},
            &models.AuditLog{},
            &models.SystemSetting{},
            &models.PasswordResetToken{},
            &models.GurujiProfile{},
            &models.User{},
        }
    }

    log.Println("Dropping tables...")

    for _, table := range tables {
        if err := DB.Migrator().DropTable(table); err != nil {
            log.Printf("Warning dropping table %T: %v", table, err)
        } else {
            log.Printf("Table %T dropped", table)
        }
    }

    return nil
}

func runDatabaseClear() {
    DB, err := db.NewPSQLStorage()
    if err != nil {
        log.Fatalf("Database initialization error: %v", err)
    }
    defer func() {
        sqlDB, _ := DB.DB()
        sqlDB.Close()
        log.Println("Database connection closed")
    }()

    log.Println("Preparing to clear database...")

    // Optional: Add a confirmation prompt
    var confirmation string
    fmt.Print("Are you sure you want to clear the database? (yes/no): ")
    fmt.Scanln(&confirmation)

    if confirmation != "yes" {
        log.Println("Database clearing cancelled.")
        return
    }

    // Ask for specific tables to clear
    var tableNames string
    fmt.Print("Enter table names to clear (comma separated) or leave blank to clear all: ")
    fmt.Scanln(&tableNames)

    var tables []interface{}
    if tableNames != "" {
        tableList := splitTableNames(tableNames)
        for _, table := range tableList {
            switch table {
            case "User":
                tables = append(tables, &models.User{})
            case "GurujiProfile":
                tables = append(tables, &models.GurujiProfile{})
            case "Availability":
                tables = append(tables, &models.Availability{})
            case "Appointment":
                tables = append(tables, &models.Appointment{})
            case "QueueEntry":
                tables = append(tables, &models.QueueEntry{})
            case "ConsultationSession":
                tables = append(tables, &models.ConsultationSession{})
            case "RemedyTemplate":
                tables = append(tables, &models.RemedyTemplate{})
            case "RemedyDocument":
                tables = append(tables, &models.RemedyDocument{})
            case "SystemSetting":
                tables = append(tables, &models.SystemSetting{})
            case "AuditLog":
                tables = append(tables, &models.AuditLog{})
            case "Device":
                tables = append(tables, &models.Device{})
            case "Notification":
                tables = append(tables, &models.Notification{})
            case "PasswordResetToken":
                tables = append(tables, &models.PasswordResetToken{})
            default:
                log.Printf("Unknown table: %s", table)
            }
        }
    }

    // Clear the specified tables (or all tables if none specified)
    if err := clearDatabase(DB, tables); err != nil {
        log.Fatalf("Error clearing database: %v", err)
    }

    log.Println("Database cleared successfully")
}

func splitTableNames(tableNames string) []string {
    return strings.Split(tableNames, ",")
}
