package reminder

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

type Reminder struct {
    db       *gorm.DB
    notifier *notification.Notifier
}

func NewReminder(db *gorm.DB, notifier *notification.Notifier) *Reminder {
    return &Reminder{db: db, notifier: notifier}
}

// Start schedules the reminder job. It ticks every hour and only does
// work when the configured reminder hour comes around, so changing the
// setting needs no restart.
func (r *Reminder) Start() {
    scheduler := cron.New()
    _, err := scheduler.AddFunc("0 * * * *", r.run)
    if err != nil {
        log.Fatalf("Failed to schedule reminder job: %v", err)
    }
    scheduler.Start()
}

func (r *Reminder) run() {
    // Hour zero (midnight) is a legal setting, so this one cannot go
    // through the positive-only SettingInt helper.
    hour := 18
    if parsed, err := strconv.Atoi(utils.SettingString(r.db, models.SettingReminderHour, "18")); err == nil && parsed >= 0 && parsed <= 23 {
        hour = parsed
    }
    if time.Now().Hour() != hour {
        return
    }
    r.SendNextDayReminders()
}

// SendNextDayReminders mails every confirmed visitor for tomorrow
// once. The reminder_sent flag keeps reruns from mailing twice.
func (r *Reminder) SendNextDayReminders() {
    tomorrow := dateOnly(time.Now().AddDate(0, 0, 1))

    var appointments []models.Appointment
    if err := r.db.Where("appointment_date = ? AND status = ? AND reminder_sent = ?",
        tomorrow, models.AppointmentConfirmed, false).
        Preload("User").Preload("Guruji.User").Find(&appointments).Error; err != nil {
        log.Printf("reminder query failed: %v", err)
        return
    }

    log.Printf("Sending %d appointment reminders for %s", len(appointments), tomorrow.Format("2006-01-02"))

    for _, appointment := range appointments {
        if appointment.User == nil {
            continue
        }

        gurujiName := ""
        hall := ""
        if appointment.Guruji != nil {
            hall = appointment.Guruji.Hall
            if appointment.Guruji.User != nil {
                gurujiName = appointment.Guruji.User.FullName
            }
        }

        if err := sendReminderEmail(appointment.User.Email, appointment.User.FullName, gurujiName, hall, &appointment); err != nil {
            log.Printf("reminder email failed for appointment %s: %v", appointment.Code, err)
            continue
        }

        r.notifier.Notify(appointment.UserID, models.NotificationAppointment,
            "Darshan tomorrow",
            fmt.Sprintf("Your appointment is tomorrow at %s", appointment.StartTime.Format("15:04")),
            map[string]interface{}{"appointment_id": appointment.ID})

        if err := r.db.Model(&models.Appointment{}).Where("id = ?", appointment.ID).
            Update("reminder_sent", true).Error; err != nil {
            log.Printf("failed to flag reminder for appointment %s: %v", appointment.Code, err)
        }
    }
}

func sendReminderEmail(email, visitorName, gurujiName, hall string, appointment *models.Appointment) error {
    smtpHost := os.Getenv("SMTP_HOST")
    smtpPort := os.Getenv("SMTP_PORT")
    smtpUser := os.Getenv("SMTP_USER")
    smtpPass := os.Getenv("SMTP_PASS")

    body := fmt.Sprintf("Namaste %s,\n\nThis is a reminder of your darshan tomorrow, %s at %s",
        visitorName, appointment.AppointmentDate.Format("02 Jan 2006"), appointment.StartTime.Format("15:04"))
    if gurujiName != "" {
        body += fmt.Sprintf(" with %s", gurujiName)
    }
    if hall != "" {
        body += fmt.Sprintf(" in %s", hall)
    }
    body += fmt.Sprintf(".\n\nPlease bring your appointment code: %s\n\nWith blessings", appointment.Code)

    m := gomail.NewMessage()
    m.SetHeader("From", smtpUser)
    m.SetHeader("To", email)
    m.SetHeader("Subject", "Darshan reminder")
    m.SetBody("text/plain", body)

    port, err := strconv.Atoi(smtpPort)
    if err != nil {
        return fmt.Errorf("invalid SMTP port: %v", err)
    }
    d := gomail.NewDialer(smtpHost, port, smtpUser, smtpPass)
    return d.DialAndSend(m)
}

func dateOnly(t time.Time) time.Time {
    return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
