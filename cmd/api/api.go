package api

import (
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/service/appointment"
	"github.com/shantivan/ashram-server/service/availability"
	"github.com/shantivan/ashram-server/service/consultation"
	"github.com/shantivan/ashram-server/service/dashboard"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/queue"
	"github.com/shantivan/ashram-server/service/remedy"
	"github.com/shantivan/ashram-server/service/reminder"
	"github.com/shantivan/ashram-server/service/settings"
	"github.com/shantivan/ashram-server/service/user"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := ws.NewHub()
	go hub.Run()

	notifier := notification.NewNotifier(s.db, hub)

	userHandler := user.NewHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	availabilityHandler := availability.NewAvailabilityHandler(s.db)
	availabilityHandler.RegisterRoutes(subrouter)

	appointmentHandler := appointment.NewAppointmentHandler(s.db, hub, notifier)
	appointmentHandler.RegisterRoutes(subrouter)

	queueHandler := queue.NewQueueHandler(s.db, hub, notifier)
	queueHandler.RegisterRoutes(subrouter)

	consultationHandler := consultation.NewConsultationHandler(s.db, hub, notifier)
	consultationHandler.RegisterRoutes(subrouter)

	remedyHandler := remedy.NewRemedyHandler(s.db, hub, notifier)
	remedyHandler.RegisterRoutes(subrouter)

	notificationHandler := notification.NewNotificationHandler(s.db, notifier)
	notificationHandler.RegisterRoutes(subrouter)

	dashboardHandler := dashboard.NewDashboardHandler(s.db)
	dashboardHandler.RegisterRoutes(subrouter)

	settingsHandler := settings.NewSettingsHandler(s.db)
	settingsHandler.RegisterRoutes(subrouter)

	wsHandler := ws.NewWSHandler(s.db, hub)
	wsHandler.RegisterRoutes(router)

	reminders := reminder.NewReminder(s.db, notifier)
	reminders.Start()

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, handlers.LoggingHandler(os.Stdout, corsHandler(router)))
}
